package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/buncat/internal/backup"
	"github.com/kartikbazzad/bunbase/buncat/internal/catalog"
	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/mutation"
	"github.com/kartikbazzad/bunbase/buncat/internal/storage"
	"github.com/kartikbazzad/bunbase/buncat/internal/store"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// BackupOptions select what a backup contains. With neither Version nor
// Moment set the current version is backed up.
type BackupOptions struct {
	Version    uint64
	Moment     time.Time
	IncludeWAL bool
	// Dir receives the archive; defaults to <dataDir>/backups.
	Dir string
}

// writeCheckpoint saves snap as the checkpoint of a catalog directory.
func writeCheckpoint(ctx context.Context, dir string, snap *store.Snapshot, state catalog.State) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(errors.ErrFileOpen, "catalog dir %s: %v", dir, err)
	}
	st, err := storage.Open(filepath.Join(dir, storage.FileName))
	if err != nil {
		return err
	}
	h := storage.Header{State: state.String()}
	if state == catalog.Alive {
		h.LiveSince, h.Baseline = time.Now().UTC(), snap.Version()
	}
	if err := st.Save(ctx, snap, h); err != nil {
		st.Close()
		return err
	}
	return st.Close()
}

// BackupCatalog writes an archive of name at the requested version and
// resolves to the archive path.
func (e *Engine) BackupCatalog(name string, opts BackupOptions) (*Progress[string], error) {
	c, err := e.catalog(name)
	if err != nil {
		return nil, err
	}
	lg, err := c.walLog()
	if err != nil {
		return nil, err
	}
	version := opts.Version
	if !opts.Moment.IsZero() {
		cv, err := lg.VersionAt(opts.Moment)
		if err != nil {
			return nil, err
		}
		version = cv.Version
	}
	dir := opts.Dir
	if dir == "" {
		dir = filepath.Join(e.cfg.DataDir, backupsDir)
	}

	// a backup only reads, other structural operations may run alongside
	p := newProgress[string]("backup", name)
	err = e.sched.Submit(func() {
		path, err := e.backup(p, c, version, opts.IncludeWAL, dir)
		if err != nil {
			e.logger.Warn("backup of %s failed: %v", name, err)
		}
		p.finish(path, err)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) backup(p *Progress[string], c *Catalog, version uint64, withWAL bool, dir string) (string, error) {
	ctx := p.opContext()
	snap, err := c.snapshotAt(ctx, version)
	if err != nil {
		return "", err
	}
	p.set(20)

	work, err := os.MkdirTemp(e.cfg.DataDir, ".backup-")
	if err != nil {
		return "", errors.Wrapf(errors.ErrFileOpen, "backup work dir: %v", err)
	}
	defer os.RemoveAll(work)

	c.mu.Lock()
	live, baseline, lg := c.liveSince, c.baseline, c.log
	c.mu.Unlock()
	if lg == nil {
		return "", errors.Wrapf(errors.ErrCatalogNotServable, "%s was unloaded", c.name)
	}
	h := storage.Header{State: catalog.WarmingUp.String()}
	if !live.IsZero() {
		h.State, h.LiveSince, h.Baseline = catalog.Alive.String(), live, snap.Version()
		if withWAL {
			h.Baseline = baseline
		}
	}
	st, err := storage.Open(filepath.Join(work, storage.FileName))
	if err != nil {
		return "", err
	}
	if err := st.Save(ctx, snap, h); err != nil {
		st.Close()
		return "", err
	}
	if err := st.Close(); err != nil {
		return "", err
	}
	p.set(40)

	m := backup.Manifest{
		CatalogID:     c.ID(),
		Name:          c.name,
		Version:       snap.Version(),
		SchemaVersion: snap.SchemaVersion(),
		Checkpoint:    storage.FileName,
	}
	files := []backup.File{{Name: storage.FileName, Path: filepath.Join(work, storage.FileName)}}
	if withWAL {
		if err := lg.Sync(); err != nil {
			return "", err
		}
		segs, err := lg.SegmentPaths()
		if err != nil {
			return "", err
		}
		for _, seg := range segs {
			files = append(files, backup.File{Name: filepath.Base(seg), Path: seg})
			m.WAL = append(m.WAL, filepath.Base(seg))
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(errors.ErrFileOpen, "backup dir: %v", err)
	}
	tmp, err := os.CreateTemp(dir, ".partial-")
	if err != nil {
		return "", errors.Wrapf(errors.ErrFileOpen, "backup file: %v", err)
	}
	defer os.Remove(tmp.Name())
	if err := backup.Write(ctx, tmp, m, files); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Wrapf(errors.ErrFileSync, "backup file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	p.set(90)

	if err := p.pointOfNoReturn(); err != nil {
		return "", err
	}
	path := filepath.Join(dir, backup.FileName(c.name, snap.Version(), time.Now()))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrapf(errors.ErrFileWrite, "backup file: %v", err)
	}
	c.logger.Info("Backup of version %d written to %s", snap.Version(), path)
	return path, nil
}

// RestoreCatalog reads an archive from r into a new catalog called name.
// The restored catalog gets a fresh id and the state it was backed up in.
func (e *Engine) RestoreCatalog(name string, r io.Reader) (*Progress[types.CommitVersions], error) {
	if err := catalog.ValidateName(name); err != nil {
		return nil, err
	}
	if err := e.requireAbsent(name); err != nil {
		return nil, err
	}
	return runOp(e, "restore", name, []string{name}, nil, func(p *Progress[types.CommitVersions]) (types.CommitVersions, error) {
		if err := e.requireAbsent(name); err != nil {
			return types.CommitVersions{}, err
		}
		tmp := filepath.Join(e.cfg.DataDir, catalogsDir, ".restore-"+uuid.NewString())
		m, err := backup.Read(p.opContext(), r, tmp)
		if err != nil {
			os.RemoveAll(tmp)
			return types.CommitVersions{}, err
		}
		p.set(50)
		state, err := restoredState(p.opContext(), tmp)
		if err != nil {
			os.RemoveAll(tmp)
			return types.CommitVersions{}, err
		}
		if err := p.pointOfNoReturn(); err != nil {
			os.RemoveAll(tmp)
			return types.CommitVersions{}, err
		}
		dir := e.catalogDir(name)
		if err := os.Rename(tmp, dir); err != nil {
			os.RemoveAll(tmp)
			return types.CommitVersions{}, errors.Wrapf(errors.ErrFileWrite, "restore %s: %v", name, err)
		}
		id := uuid.New()
		if err := e.registry.Put(id, name, state); err != nil {
			os.RemoveAll(dir)
			return types.CommitVersions{}, err
		}
		nc, err := e.reopen(id, name, state, true)
		e.swap(nil, nc)
		e.bus.emit(Event{Kind: EventCatalogCreated, Catalog: name, State: nc.State().String()})
		e.record(mutation.RestoreCatalog, m.Name, name, id)
		if err != nil {
			return types.CommitVersions{}, err
		}
		nc.logger.Info("Restored from backup of %s at version %d", m.Name, m.Version)
		return versionsOf(nc), nil
	})
}

func restoredState(ctx context.Context, dir string) (catalog.State, error) {
	st, err := storage.Open(filepath.Join(dir, storage.FileName))
	if err != nil {
		return catalog.StateUnknown, err
	}
	defer st.Close()
	_, h, ok, err := st.Load(ctx)
	if err != nil {
		return catalog.StateUnknown, err
	}
	if !ok {
		return catalog.StateUnknown, errors.Wrap(errors.ErrCorruptRecord, "backup holds no checkpoint")
	}
	state, err := catalog.ParseState(h.State)
	if err != nil || !state.Servable() {
		return catalog.WarmingUp, nil
	}
	return state, nil
}
