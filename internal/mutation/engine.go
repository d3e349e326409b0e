package mutation

import (
	"time"
)

type EngineOp byte

const (
	CreateCatalog EngineOp = iota + 1
	DeleteCatalog
	RenameCatalog
	ReplaceCatalog
	DuplicateCatalog
	GoLiveCatalog
	ActivateCatalog
	DeactivateCatalog
	RestoreCatalog
)

func (o EngineOp) String() string {
	switch o {
	case CreateCatalog:
		return "create_catalog"
	case DeleteCatalog:
		return "delete_catalog"
	case RenameCatalog:
		return "rename_catalog"
	case ReplaceCatalog:
		return "replace_catalog"
	case DuplicateCatalog:
		return "duplicate_catalog"
	case GoLiveCatalog:
		return "go_live_catalog"
	case ActivateCatalog:
		return "activate_catalog"
	case DeactivateCatalog:
		return "deactivate_catalog"
	case RestoreCatalog:
		return "restore_catalog"
	default:
		return "unknown"
	}
}

// Engine is a structural change to the set of catalogs.
type Engine struct {
	Op        EngineOp
	Catalog   string
	Target    string
	CatalogID string
	At        time.Time
}
