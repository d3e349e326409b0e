// Package backup writes and reads catalog backups: an lz4-compressed tar
// holding a manifest, the catalog checkpoint and optionally WAL segments.
package backup

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
)

const (
	FormatVersion = 1
	ManifestName  = "manifest.json"
	Extension     = ".tar.lz4"
)

// Manifest describes a backup. Version is the catalog version of the
// checkpoint; a backup with WAL segments is rolled forward to the end of
// the copied log when restored.
type Manifest struct {
	Format        int       `json:"format"`
	CatalogID     string    `json:"catalogId"`
	Name          string    `json:"name"`
	Version       uint64    `json:"version"`
	SchemaVersion uint64    `json:"schemaVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	Checkpoint    string    `json:"checkpoint"`
	WAL           []string  `json:"wal,omitempty"`
}

// File is a file to be archived under Name.
type File struct {
	Name string
	Path string
}

// Write archives files behind the manifest.
func Write(ctx context.Context, w io.Writer, m Manifest, files []File) error {
	m.Format = FormatVersion
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	zw := lz4.NewWriter(w)
	tw := tar.NewWriter(zw)

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	if err := tw.WriteHeader(&tar.Header{Name: ManifestName, Mode: 0644, Size: int64(len(raw)), ModTime: m.CreatedAt}); err != nil {
		return errors.Wrap(err, "write manifest header")
	}
	if _, err := tw.Write(raw); err != nil {
		return errors.Wrap(err, "write manifest")
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(tw, f); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "close tar")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "close lz4")
	}
	return nil
}

func addFile(tw *tar.Writer, f File) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return errors.Wrapf(errors.ErrFileOpen, "backup %s: %v", f.Path, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return errors.Wrapf(errors.ErrFileRead, "backup %s: %v", f.Path, err)
	}
	hdr := &tar.Header{Name: f.Name, Mode: 0644, Size: info.Size(), ModTime: info.ModTime()}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "header %s", f.Name)
	}
	// a segment may grow while copied; only the size in the header is taken
	if _, err := io.CopyN(tw, src, info.Size()); err != nil {
		return errors.Wrapf(errors.ErrFileRead, "copy %s: %v", f.Path, err)
	}
	return nil
}

// Read extracts a backup into dir and returns its manifest.
func Read(ctx context.Context, r io.Reader, dir string) (Manifest, error) {
	var m Manifest
	if err := os.MkdirAll(dir, 0755); err != nil {
		return m, errors.Wrapf(errors.ErrFileOpen, "restore dir: %v", err)
	}
	tr := tar.NewReader(lz4.NewReader(r))

	first := true
	for {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return m, errors.Wrapf(errors.ErrCorruptRecord, "backup archive: %v", err)
		}
		if first {
			if hdr.Name != ManifestName {
				return m, errors.Wrapf(errors.ErrCorruptRecord, "backup starts with %q, not a manifest", hdr.Name)
			}
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return m, errors.Wrapf(errors.ErrCorruptRecord, "manifest: %v", err)
			}
			if m.Format != FormatVersion {
				return m, errors.Wrapf(errors.ErrCorruptRecord, "unsupported backup format %d", m.Format)
			}
			first = false
			continue
		}
		if err := extract(tr, hdr, dir); err != nil {
			return m, err
		}
	}
	if first {
		return m, errors.Wrap(errors.ErrCorruptRecord, "empty backup")
	}
	return m, nil
}

func extract(tr *tar.Reader, hdr *tar.Header, dir string) error {
	name := hdr.Name
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return errors.Wrapf(errors.ErrCorruptRecord, "illegal entry name %q", name)
	}
	out, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(errors.ErrFileOpen, "restore %s: %v", name, err)
	}
	if _, err := io.Copy(out, tr); err != nil {
		out.Close()
		return errors.Wrapf(errors.ErrFileWrite, "restore %s: %v", name, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errors.Wrapf(errors.ErrFileSync, "restore %s: %v", name, err)
	}
	return out.Close()
}

// FileName returns the conventional file name of a backup.
func FileName(catalog string, version uint64, at time.Time) string {
	return fmt.Sprintf("%s-v%d-%s%s", catalog, version, at.UTC().Format("20060102T150405"), Extension)
}
