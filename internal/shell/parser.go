package shell

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

type Command struct {
	Name string
	Args []string
	Line string
}

func Parse(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty command")
	}
	parts := strings.Fields(line)
	if !strings.HasPrefix(parts[0], ".") {
		return nil, fmt.Errorf("commands must start with '.'")
	}
	return &Command{Name: parts[0], Args: parts[1:], Line: line}, nil
}

// Rest returns the raw text after the first n arguments, so payloads may
// contain spaces.
func (c *Command) Rest(n int) string {
	s := strings.TrimSpace(strings.TrimPrefix(c.Line, c.Name))
	for i := 0; i < n; i++ {
		s = strings.TrimSpace(s)
		idx := strings.IndexAny(s, " \t")
		if idx < 0 {
			return ""
		}
		s = s[idx:]
	}
	return strings.TrimSpace(s)
}

func ValidateArgs(cmd *Command, count int) error {
	if len(cmd.Args) < count {
		return fmt.Errorf("expected %d argument(s), got %d", count, len(cmd.Args))
	}
	return nil
}

func ParseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func ParseUint64(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// DecodeAttributes parses an entity payload, which must be a JSON object.
func DecodeAttributes(s string) (map[string]any, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "json:"))
	if s == "" || !utf8.ValidString(s) {
		return nil, fmt.Errorf("invalid JSON payload")
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(s), &attrs); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %v", err)
	}
	return attrs, nil
}
