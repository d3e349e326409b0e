package catalog

import (
	"strings"
	"unicode/utf8"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
)

// MaxNameLen is the maximum catalog name length in bytes.
const MaxNameLen = 64

// ValidateName rejects names that cannot be used as a directory name:
// empty, path separators, "..", NUL, invalid UTF-8 and overlong names.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.Wrap(errors.ErrInvalidCatalogName, "name cannot be empty")
	case !utf8.ValidString(name):
		return errors.Wrap(errors.ErrInvalidCatalogName, "name must be valid UTF-8")
	case len(name) > MaxNameLen:
		return errors.Wrapf(errors.ErrInvalidCatalogName, "name exceeds %d bytes", MaxNameLen)
	case strings.ContainsAny(name, "/\\\x00"):
		return errors.Wrapf(errors.ErrInvalidCatalogName, "%q contains a forbidden character", name)
	case strings.Contains(name, ".."):
		return errors.Wrapf(errors.ErrInvalidCatalogName, "%q contains '..'", name)
	case strings.HasPrefix(name, "."):
		return errors.Wrapf(errors.ErrInvalidCatalogName, "%q starts with a dot", name)
	}
	return nil
}
