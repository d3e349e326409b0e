package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/bunbase/buncat/internal/catalog"
	"github.com/kartikbazzad/bunbase/buncat/internal/cdc"
	"github.com/kartikbazzad/bunbase/buncat/internal/config"
	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
	"github.com/kartikbazzad/bunbase/buncat/internal/mutation"
	"github.com/kartikbazzad/bunbase/buncat/internal/query"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

var bg = context.Background()

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.WAL.Fsync.Mode = config.FsyncNone
	cfg.WAL.PurgeInterval = 0
	cfg.Storage.CheckpointInterval = 0
	cfg.Server.WorkerCount = 4
	cfg.Transaction.CommitTimeout = 10 * time.Second
	return cfg
}

func openEngine(t *testing.T, dir string, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(bg, testConfig(dir), logger.Discard(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(bg) })
	return e
}

func product(pk int64, name string) *types.Entity {
	return &types.Entity{Type: "product", PrimaryKey: pk, Attributes: map[string]any{"name": name}}
}

func session(t *testing.T, e *Engine, name string, traits types.SessionTraits) *Session {
	t.Helper()
	s, err := e.CreateSession(bg, name, traits)
	require.NoError(t, err)
	t.Cleanup(func() { s.CloseNow(types.NoWait) })
	return s
}

// liveCatalog creates a catalog with n warm-up products and takes it live.
func liveCatalog(t *testing.T, e *Engine, name string, n int) {
	t.Helper()
	_, err := e.DefineCatalog(bg, name)
	require.NoError(t, err)
	s := session(t, e, name, types.ReadWrite())
	for i := 1; i <= n; i++ {
		_, err := s.UpsertEntity(product(0, fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
	}
	v, err := s.GoLiveAndClose(bg)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v.CatalogVersion)
}

func wait[T any](t *testing.T, p *Progress[T], err error) T {
	t.Helper()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()
	v, err := p.Wait(ctx)
	require.NoError(t, err)
	return v
}

func TestGoLiveScenario(t *testing.T) {
	e := openEngine(t, t.TempDir())
	_, err := e.DefineCatalog(bg, "shop")
	require.NoError(t, err)

	warm := session(t, e, "shop", types.ReadWrite())
	for i := 1; i <= 100; i++ {
		stored, err := warm.UpsertEntity(product(0, fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
		require.Equal(t, int64(i), stored.PrimaryKey)
	}
	before, err := warm.CatalogVersion()
	require.NoError(t, err)
	size, err := warm.EntityCollectionSize("product")
	require.NoError(t, err)
	assert.Equal(t, 100, size)

	live, err := warm.GoLiveAndClose(bg)
	require.NoError(t, err)
	assert.Equal(t, before+1, live.CatalogVersion)
	assert.False(t, warm.Active())

	writer := session(t, e, "shop", types.ReadWrite())
	_, err = writer.OpenTransaction()
	require.NoError(t, err)
	_, err = writer.UpsertEntity(product(5, "changed"))
	require.NoError(t, err)
	committed, err := writer.Close()
	require.NoError(t, err)
	assert.Equal(t, live.CatalogVersion+1, committed.CatalogVersion)

	reader := session(t, e, "shop", types.ReadOnly())
	got, err := reader.GetEntity(bg, "product", 5)
	require.NoError(t, err)
	assert.Equal(t, "changed", got.Attributes["name"])
	v, err := reader.CatalogVersion()
	require.NoError(t, err)
	assert.Equal(t, committed.CatalogVersion, v)

	stream, err := reader.CommittedMutationStream(live.CatalogVersion)
	require.NoError(t, err)
	defer stream.Close()
	b, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, committed.CatalogVersion, b.Version)
	require.Len(t, b.Mutations, 1)
	assert.Equal(t, mutation.KindUpsertEntity, b.Mutations[0].Kind())
	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSessionStateGating(t *testing.T) {
	e := openEngine(t, t.TempDir())
	_, err := e.DefineCatalog(bg, "shop")
	require.NoError(t, err)

	ro := session(t, e, "shop", types.ReadOnly())
	_, err = ro.UpsertEntity(product(0, "x"))
	assert.ErrorIs(t, err, errors.ErrReadOnlySession)

	rw := session(t, e, "shop", types.ReadWrite())
	_, err = rw.OpenTransaction()
	assert.ErrorIs(t, err, errors.ErrCatalogNotServable, "warm-up catalogs have no transactions")

	_, err = e.CreateSession(bg, "missing", types.ReadOnly())
	assert.ErrorIs(t, err, errors.ErrCatalogNotFound)

	_, err = e.GoLiveCatalog("shop")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition, "open read-write sessions block go-live")
}

func TestCloseIsIdempotent(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 1)

	var calls int
	var mu sync.Mutex
	traits := types.ReadWrite()
	traits.OnTermination = func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}
	s := session(t, e, "shop", traits)
	_, err := s.OpenTransaction()
	require.NoError(t, err)
	_, err = s.UpsertEntity(product(1, "renamed"))
	require.NoError(t, err)

	first, err := s.Close()
	require.NoError(t, err)
	second, err := s.Close()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(2), first.CatalogVersion)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	_, err = s.GetEntity(bg, "product", 1)
	assert.ErrorIs(t, err, errors.ErrInstanceTerminated)
	assert.Empty(t, s.OpenedTransactionID())
}

func TestReadOnlyCloseCompletesImmediately(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 1)

	s := session(t, e, "shop", types.ReadOnly())
	_, err := s.OpenTransaction()
	require.NoError(t, err)
	p := s.CloseAsync()
	v, err, ok := p.OnChangesVisible().Result()
	require.True(t, ok, "nothing to commit")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.CatalogVersion)
}

func TestConflictingTransactionsRollBack(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 1)

	s1 := session(t, e, "shop", types.ReadWrite())
	s2 := session(t, e, "shop", types.ReadWrite())
	_, err := s1.OpenTransaction()
	require.NoError(t, err)
	_, err = s2.OpenTransaction()
	require.NoError(t, err)
	_, err = s1.UpsertEntity(product(1, "first"))
	require.NoError(t, err)
	_, err = s2.UpsertEntity(product(1, "second"))
	require.NoError(t, err)

	_, err = s1.CloseTransaction()
	require.NoError(t, err)
	_, err = s2.CloseTransaction()
	require.Error(t, err)
	var rb *errors.RollbackError
	require.True(t, errors.As(err, &rb))
	assert.ErrorIs(t, err, errors.ErrTransactionConflict)

	got, err := s2.GetEntity(bg, "product", 1)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Attributes["name"])
}

func TestRollbackIsolation(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 1)

	writer := session(t, e, "shop", types.ReadWrite())
	reader := session(t, e, "shop", types.ReadOnly())
	_, err := writer.OpenTransaction()
	require.NoError(t, err)
	_, err = writer.UpsertEntity(product(0, "pending"))
	require.NoError(t, err)

	own, err := writer.EntityCollectionSize("product")
	require.NoError(t, err)
	assert.Equal(t, 2, own, "a transaction reads its own writes")
	other, err := reader.EntityCollectionSize("product")
	require.NoError(t, err)
	assert.Equal(t, 1, other)

	require.NoError(t, writer.SetRollbackOnly())
	v, err := writer.Close()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.CatalogVersion)

	other, err = reader.EntityCollectionSize("product")
	require.NoError(t, err)
	assert.Equal(t, 1, other)
}

func TestDryRunNeverCommits(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 1)

	traits := types.ReadWrite()
	traits.DryRun = true
	dry := session(t, e, "shop", traits)
	stored, err := dry.UpsertEntity(product(0, "ghost"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.PrimaryKey)

	info, err := e.Catalog("shop")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Version)
}

func TestSchemaChangesAreAtomic(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 2)

	s := session(t, e, "shop", types.ReadWrite())
	before, err := s.CatalogSchema()
	require.NoError(t, err)

	sv, err := s.DefineEntitySchema(&types.EntitySchema{Name: "brand"})
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, sv)

	_, err = s.UpdateCatalogSchema(
		&mutation.Schema{Op: mutation.RenameCollection, EntityType: "brand", Target: "maker"},
		&mutation.Schema{Op: mutation.DeleteCollection, EntityType: "missing"},
	)
	require.ErrorIs(t, err, errors.ErrSchemaAltering)
	typesNow, err := s.AllEntityTypes()
	require.NoError(t, err)
	assert.Equal(t, []string{"brand", "product"}, typesNow)

	_, err = s.UpdateEntitySchema(&types.EntitySchema{Name: "nothing"})
	assert.ErrorIs(t, err, errors.ErrCollectionNotFound)

	require.NoError(t, s.RenameCollection("brand", "maker"))
	typesNow, err = s.AllEntityTypes()
	require.NoError(t, err)
	assert.Equal(t, []string{"maker", "product"}, typesNow)
}

func TestQueryThroughSession(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 30)

	s := session(t, e, "shop", types.ReadOnly())
	resp, err := s.GetEntities(bg, query.Request{EntityType: "product", Filter: "pk > 10", OrderBy: "pk", Desc: true, PageSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 20, resp.TotalCount)
	require.Len(t, resp.Items, 5)
	assert.Equal(t, int64(30), resp.Items[0].PrimaryKey)
}

func TestRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(bg, testConfig(dir), logger.Discard())
	require.NoError(t, err)
	liveCatalog(t, e, "shop", 3)

	s, err := e.CreateSession(bg, "shop", types.ReadWrite())
	require.NoError(t, err)
	_, err = s.UpsertEntity(product(2, "after go-live"))
	require.NoError(t, err)
	_, err = s.Close()
	require.NoError(t, err)

	c, err := e.catalog("shop")
	require.NoError(t, err)
	// drop the catalog without a checkpoint so only the WAL has version 2
	require.NoError(t, c.unload(bg, false))
	require.NoError(t, e.Close(bg))

	e2 := openEngine(t, dir)
	info, err := e2.Catalog("shop")
	require.NoError(t, err)
	assert.Equal(t, catalog.Alive, info.State)
	assert.Equal(t, uint64(2), info.Version)

	s2 := session(t, e2, "shop", types.ReadWrite())
	got, err := s2.GetEntity(bg, "product", 2)
	require.NoError(t, err)
	assert.Equal(t, "after go-live", got.Attributes["name"])
	_, err = s2.UpsertEntity(product(3, "next"))
	require.NoError(t, err)
	v, err := s2.CatalogVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func TestDeactivateAndActivate(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 2)

	op1, err1 := e.DeactivateCatalog("shop")
	wait(t, op1, err1)
	info, err := e.Catalog("shop")
	require.NoError(t, err)
	assert.Equal(t, catalog.Inactive, info.State)
	_, err = e.CreateSession(bg, "shop", types.ReadOnly())
	assert.ErrorIs(t, err, errors.ErrCatalogNotServable)

	op2, err2 := e.ActivateCatalog("shop")
	v := wait(t, op2, err2)
	assert.Equal(t, uint64(1), v.CatalogVersion)
	s := session(t, e, "shop", types.ReadOnly())
	n, err := s.EntityCollectionSize("product")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStructuralOperations(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)
	liveCatalog(t, e, "a", 1)

	op3, err3 := e.RenameCatalog("a", "b")
	wait(t, op3, err3)
	_, err := e.CreateSession(bg, "a", types.ReadOnly())
	assert.ErrorIs(t, err, errors.ErrCatalogNotFound)
	_, err = os.Stat(filepath.Join(dir, catalogsDir, "b"))
	require.NoError(t, err)

	op4, err4 := e.DuplicateCatalog("b", "c")
	wait(t, op4, err4)
	s := session(t, e, "c", types.ReadWrite())
	_, err = s.UpsertEntity(product(0, "only in c"))
	require.NoError(t, err)
	_, err = s.Close()
	require.NoError(t, err)

	_, err = e.RenameCatalog("b", "c")
	assert.ErrorIs(t, err, errors.ErrCatalogExists)

	op5, err5 := e.ReplaceCatalog("c", "b")
	wait(t, op5, err5)
	var names []string
	for _, ci := range e.Catalogs() {
		names = append(names, ci.Name)
	}
	assert.Equal(t, []string{"b"}, names)
	s = session(t, e, "b", types.ReadOnly())
	got, err := s.GetEntity(bg, "product", 2)
	require.NoError(t, err)
	assert.Equal(t, "only in c", got.Attributes["name"])

	op6, err6 := e.DeleteCatalog("b")
	wait(t, op6, err6)
	assert.Empty(t, e.Catalogs())
	_, err = os.Stat(filepath.Join(dir, catalogsDir, "b"))
	assert.True(t, os.IsNotExist(err))

	log, err := e.EngineMutations(1)
	require.NoError(t, err)
	var ops []mutation.EngineOp
	for _, r := range log {
		ops = append(ops, r.Mutation.Op)
	}
	assert.Equal(t, []mutation.EngineOp{
		mutation.CreateCatalog, mutation.GoLiveCatalog, mutation.RenameCatalog,
		mutation.DuplicateCatalog, mutation.ReplaceCatalog, mutation.DeleteCatalog,
	}, ops)
}

func TestSecondOperationFailsFast(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 1)

	require.NoError(t, e.reserve("test", "shop"))
	_, err := e.DeactivateCatalog("shop")
	assert.ErrorIs(t, err, errors.ErrTransitionInProgress)
	e.release("shop")
	op7, err7 := e.DeactivateCatalog("shop")
	wait(t, op7, err7)
}

func TestApplyMutation(t *testing.T) {
	e := openEngine(t, t.TempDir())
	_, err := e.ApplyMutation(bg, &mutation.Engine{Op: mutation.CreateCatalog, Catalog: "a"})
	require.NoError(t, err)
	_, err = e.ApplyMutation(bg, &mutation.Engine{Op: mutation.RenameCatalog, Catalog: "a", Target: "b"})
	require.NoError(t, err)
	_, err = e.Catalog("b")
	require.NoError(t, err)
	_, err = e.ApplyMutation(bg, &mutation.Engine{Op: mutation.RestoreCatalog, Catalog: "b"})
	assert.ErrorIs(t, err, errors.ErrInvalidMutation)
}

func TestBackupAndRestore(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)
	liveCatalog(t, e, "shop", 5)
	s := session(t, e, "shop", types.ReadWrite())
	_, err := s.UpsertEntity(product(1, "updated"))
	require.NoError(t, err)

	op8, err8 := e.BackupCatalog("shop", BackupOptions{IncludeWAL: true})
	path := wait(t, op8, err8)
	assert.Equal(t, filepath.Join(dir, backupsDir), filepath.Dir(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	op9, err9 := e.RestoreCatalog("copy", f)
	v := wait(t, op9, err9)
	assert.Equal(t, uint64(2), v.CatalogVersion)

	info, err := e.Catalog("copy")
	require.NoError(t, err)
	assert.Equal(t, catalog.Alive, info.State)
	orig, err := e.Catalog("shop")
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, info.ID)

	r := session(t, e, "copy", types.ReadWrite())
	got, err := r.GetEntity(bg, "product", 1)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Attributes["name"])
	_, err = r.UpsertEntity(product(2, "writable"))
	require.NoError(t, err)
}

func TestBackupOfPastVersion(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 1)
	s := session(t, e, "shop", types.ReadWrite())
	for i := 0; i < 3; i++ {
		_, err := s.UpsertEntity(product(1, fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}

	op10, err10 := e.BackupCatalog("shop", BackupOptions{Version: 2})
	path := wait(t, op10, err10)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	op11, err11 := e.RestoreCatalog("old", f)
	v := wait(t, op11, err11)
	assert.Equal(t, uint64(2), v.CatalogVersion)

	r := session(t, e, "old", types.ReadOnly())
	got, err := r.GetEntity(bg, "product", 1)
	require.NoError(t, err)
	assert.Equal(t, "v0", got.Attributes["name"])
}

func TestChangeCapture(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 1)

	pub, err := e.RegisterChangeCatalogCapture("shop", cdc.Request{})
	require.NoError(t, err)
	defer pub.Close()

	s := session(t, e, "shop", types.ReadWrite())
	_, err = s.UpsertEntity(product(0, "new"))
	require.NoError(t, err)

	select {
	case ev := <-pub.Events():
		assert.Equal(t, uint64(2), ev.Version)
		assert.Equal(t, cdc.OpUpsert, ev.Operation)
		assert.Equal(t, int64(2), ev.PrimaryKey)
	case <-time.After(5 * time.Second):
		t.Fatal("no change captured")
	}
}

func TestObserverAndSessionExpiry(t *testing.T) {
	var mu sync.Mutex
	seen := map[EventKind]int{}
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Transaction.SessionTimeout = time.Millisecond
	e, err := Open(bg, cfg, logger.Discard(), WithObserver(ObserverFunc(func(ev Event) {
		mu.Lock()
		seen[ev.Kind]++
		mu.Unlock()
	})))
	require.NoError(t, err)
	defer e.Close(bg)
	liveCatalog(t, e, "shop", 1)

	s, err := e.CreateSession(bg, "shop", types.ReadWrite())
	require.NoError(t, err)
	_, err = s.OpenTransaction()
	require.NoError(t, err)
	_, err = s.UpsertEntity(product(1, "abandoned"))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	e.expireSessions()
	assert.False(t, s.Active())
	_, err = s.GetEntity(bg, "product", 1)
	assert.ErrorIs(t, err, errors.ErrInstanceTerminated)

	info, err := e.Catalog("shop")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Version, "the abandoned transaction was rolled back")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[EventCatalogCreated])
	assert.GreaterOrEqual(t, seen[EventSessionOpened], 2)
	assert.Equal(t, 1, seen[EventTransactionRolledBack])
	assert.GreaterOrEqual(t, seen[EventCatalogStateChanged], 2)
}

func TestProgressCancellation(t *testing.T) {
	p := newProgress[int]("test", "shop")
	require.True(t, p.Cancel())
	assert.ErrorIs(t, p.pointOfNoReturn(), errors.ErrCancelled)
	p.finish(0, errors.ErrCancelled)
	_, err := p.Wait(bg)
	assert.ErrorIs(t, err, errors.ErrCancelled)

	q := newProgress[int]("test", "shop")
	require.NoError(t, q.pointOfNoReturn())
	assert.False(t, q.Cancel())
	q.finish(7, nil)
	v, err := q.Wait(bg)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 100, q.Percent())
}

func TestNoWaitSessionNeverConflictsWithItself(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 1)

	traits := types.ReadWrite()
	traits.CommitBehavior = types.NoWait
	s := session(t, e, "shop", traits)
	for i := 0; i < 200; i++ {
		_, err := s.UpsertEntity(product(1, fmt.Sprintf("v%d", i)))
		require.NoError(t, err, "write %d", i)
	}
	_, err := s.OpenTransaction()
	require.NoError(t, err)
	got, err := s.GetEntity(bg, "product", 1)
	require.NoError(t, err)
	assert.Equal(t, "v199", got.Attributes["name"])
	_, err = s.CloseTransaction()
	require.NoError(t, err)

	info, err := e.Catalog("shop")
	require.NoError(t, err)
	assert.Equal(t, uint64(201), info.Version)
}

func TestConcurrentInsertsGetDistinctKeys(t *testing.T) {
	e := openEngine(t, t.TempDir())
	liveCatalog(t, e, "shop", 1)

	s1 := session(t, e, "shop", types.ReadWrite())
	s2 := session(t, e, "shop", types.ReadWrite())
	_, err := s1.OpenTransaction()
	require.NoError(t, err)
	_, err = s2.OpenTransaction()
	require.NoError(t, err)

	a, err := s1.UpsertEntity(product(0, "from s1"))
	require.NoError(t, err)
	b, err := s2.UpsertEntity(product(0, "from s2"))
	require.NoError(t, err)
	assert.NotEqual(t, a.PrimaryKey, b.PrimaryKey)

	_, err = s1.CloseTransaction()
	require.NoError(t, err)
	v, err := s2.CloseTransaction()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v.CatalogVersion)

	size, err := s1.EntityCollectionSize("product")
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestFailedReopenLeavesCorruptedCatalog(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)
	liveCatalog(t, e, "a", 1)

	old, err := e.catalog("a")
	require.NoError(t, err)
	require.NoError(t, old.unload(bg, true))
	// A plain file where the catalog directory belongs makes load fail.
	require.NoError(t, os.RemoveAll(old.dir))
	require.NoError(t, os.WriteFile(old.dir, []byte("x"), 0644))

	back := e.restore(old.id, "a", catalog.Alive, true, "replace")
	assert.Equal(t, catalog.Corrupted, back.State())

	got, err := e.catalog("a")
	require.NoError(t, err)
	assert.Same(t, back, got)
	assert.NotSame(t, old, got)

	_, err = e.CreateSession(bg, "a", types.ReadOnly())
	assert.ErrorIs(t, err, errors.ErrCatalogCorrupted)
}
