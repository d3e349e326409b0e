package catalog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
)

const (
	IDSize      = 16
	NameLenSize = 2
	StateSize   = 1
	EntryHeader = IDSize + NameLenSize + StateSize
)

// Entry is the persisted identity of a catalog.
type Entry struct {
	ID    uuid.UUID
	Name  string
	State State
}

// Registry is the engine's append-only list of catalogs. Every change
// appends a full entry; the last entry of an id wins and an entry in
// StateUnknown removes the id. Only stable states are written.
type Registry struct {
	mu      sync.RWMutex
	file    *os.File
	path    string
	entries map[uuid.UUID]*Entry
	names   map[string]uuid.UUID
	logger  *logger.Logger
}

func NewRegistry(path string, log *logger.Logger) *Registry {
	return &Registry{
		path:    path,
		entries: make(map[uuid.UUID]*Entry),
		names:   make(map[string]uuid.UUID),
		logger:  log,
	}
}

func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return errors.Wrapf(errors.ErrFileOpen, "registry dir: %v", err)
	}
	data, err := os.ReadFile(r.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(errors.ErrFileRead, "registry: %v", err)
	}

	appended := 0
	offset := 0
	for offset+EntryHeader <= len(data) {
		var id uuid.UUID
		copy(id[:], data[offset:offset+IDSize])
		nameLen := int(binary.LittleEndian.Uint16(data[offset+IDSize:]))
		state := State(data[offset+IDSize+NameLenSize])
		if offset+EntryHeader+nameLen > len(data) {
			break
		}
		name := string(data[offset+EntryHeader : offset+EntryHeader+nameLen])
		offset += EntryHeader + nameLen
		appended++

		if state == StateUnknown {
			delete(r.entries, id)
			continue
		}
		r.entries[id] = &Entry{ID: id, Name: name, State: state}
	}
	if offset < len(data) {
		r.logger.Warn("Registry %s has a torn tail of %d bytes, ignoring it", r.path, len(data)-offset)
	}
	for id, e := range r.entries {
		r.names[e.Name] = id
	}

	// rewrite when most of the file is history
	if appended > 2*len(r.entries)+16 || offset < len(data) {
		if err := r.compactLocked(); err != nil {
			return err
		}
	}
	if r.file == nil {
		file, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrapf(errors.ErrFileOpen, "registry: %v", err)
		}
		r.file = file
	}

	r.logger.Info("Registry loaded: %d catalogs", len(r.entries))
	return nil
}

// Create registers a new catalog name and returns its id.
func (r *Registry) Create(name string, state State) (uuid.UUID, error) {
	if err := ValidateName(name); err != nil {
		return uuid.Nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.names[name]; exists {
		return uuid.Nil, errors.Wrapf(errors.ErrCatalogExists, "%s", name)
	}
	e := &Entry{ID: uuid.New(), Name: name, State: stable(state)}
	if err := r.writeEntry(e); err != nil {
		return uuid.Nil, err
	}
	r.entries[e.ID] = e
	r.names[name] = e.ID

	r.logger.Info("Registered catalog: %s (id=%s)", name, e.ID)
	return e.ID, nil
}

// Put records a catalog with a known id, e.g. a restored or duplicated one.
func (r *Registry) Put(id uuid.UUID, name string, state State) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if other, exists := r.names[name]; exists && other != id {
		return errors.Wrapf(errors.ErrCatalogExists, "%s", name)
	}
	e := &Entry{ID: id, Name: name, State: stable(state)}
	if err := r.writeEntry(e); err != nil {
		return err
	}
	if old, ok := r.entries[id]; ok {
		delete(r.names, old.Name)
	}
	r.entries[id] = e
	r.names[name] = id
	return nil
}

// SetState persists a new stable state. Transitional states are ignored.
func (r *Registry) SetState(id uuid.UUID, state State) error {
	if state.Transitional() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return errors.Wrapf(errors.ErrCatalogNotFound, "id %s", id)
	}
	if e.State == state {
		return nil
	}
	n := &Entry{ID: id, Name: e.Name, State: state}
	if err := r.writeEntry(n); err != nil {
		return err
	}
	r.entries[id] = n
	return nil
}

// Rename moves a catalog to a new name. It fails if the name is taken.
func (r *Registry) Rename(id uuid.UUID, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return errors.Wrapf(errors.ErrCatalogNotFound, "id %s", id)
	}
	if _, exists := r.names[name]; exists {
		return errors.Wrapf(errors.ErrCatalogExists, "%s", name)
	}
	n := &Entry{ID: id, Name: name, State: e.State}
	if err := r.writeEntry(n); err != nil {
		return err
	}
	delete(r.names, e.Name)
	r.entries[id] = n
	r.names[name] = id
	return nil
}

// Delete forgets a catalog.
func (r *Registry) Delete(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return errors.Wrapf(errors.ErrCatalogNotFound, "id %s", id)
	}
	if err := r.writeEntry(&Entry{ID: id, Name: e.Name, State: StateUnknown}); err != nil {
		return err
	}
	delete(r.entries, id)
	delete(r.names, e.Name)
	r.logger.Info("Deleted catalog: %s (id=%s)", e.Name, id)
	return nil
}

func (r *Registry) Get(id uuid.UUID) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, errors.Wrapf(errors.ErrCatalogNotFound, "id %s", id)
	}
	return *e, nil
}

func (r *Registry) GetByName(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	if !ok {
		return Entry{}, errors.Wrapf(errors.ErrCatalogNotFound, "%s", name)
	}
	return *r.entries[id], nil
}

// List returns all catalogs sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

func encodeEntry(e *Entry) []byte {
	buf := make([]byte, EntryHeader+len(e.Name))
	copy(buf, e.ID[:])
	binary.LittleEndian.PutUint16(buf[IDSize:], uint16(len(e.Name)))
	buf[IDSize+NameLenSize] = byte(e.State)
	copy(buf[EntryHeader:], e.Name)
	return buf
}

func (r *Registry) writeEntry(e *Entry) error {
	if r.file == nil {
		return errors.Wrap(errors.ErrInstanceTerminated, "registry closed")
	}
	if _, err := r.file.Write(encodeEntry(e)); err != nil {
		return errors.Wrapf(errors.ErrFileWrite, "registry: %v", err)
	}
	if err := r.file.Sync(); err != nil {
		return errors.Wrapf(errors.ErrFileSync, "registry: %v", err)
	}
	return nil
}

// compactLocked rewrites the file with live entries only (write temp, rename).
func (r *Registry) compactLocked() error {
	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(errors.ErrFileOpen, "registry compaction: %v", err)
	}
	for _, e := range r.entries {
		if _, err := f.Write(encodeEntry(e)); err != nil {
			f.Close()
			return errors.Wrapf(errors.ErrFileWrite, "registry compaction: %v", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(errors.ErrFileSync, "registry compaction: %v", err)
	}
	f.Close()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return errors.Wrapf(errors.ErrFileWrite, "registry compaction: %v", err)
	}
	return nil
}

// stable maps a transitional state to what should be persisted for it.
func stable(s State) State {
	switch s {
	case BeingCreated, GoingAlive:
		return WarmingUp
	case BeingActivated:
		return Inactive
	case BeingDeactivated:
		return Alive
	}
	return s
}
