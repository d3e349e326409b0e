package types

type AttributeType string

const (
	AttrString  AttributeType = "string"
	AttrInteger AttributeType = "integer"
	AttrNumber  AttributeType = "number"
	AttrBoolean AttributeType = "boolean"
	AttrAny     AttributeType = ""
)

type AttributeSchema struct {
	Name     string
	Type     AttributeType
	Required bool
	Nullable bool
}

// EntitySchema describes the entities of one collection.
type EntitySchema struct {
	Name       string
	Version    uint64
	Attributes map[string]AttributeSchema
	// Strict rejects attributes not declared above.
	Strict bool
}

func (s *EntitySchema) Clone() *EntitySchema {
	if s == nil {
		return nil
	}
	c := *s
	c.Attributes = make(map[string]AttributeSchema, len(s.Attributes))
	for k, v := range s.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

type CatalogSchema struct {
	Name        string
	Version     uint64
	Description string
}
