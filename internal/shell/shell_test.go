package shell

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/bunbase/buncat/internal/config"
	"github.com/kartikbazzad/bunbase/buncat/internal/engine"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
)

func newShell(t *testing.T) *Shell {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.WAL.Fsync.Mode = config.FsyncNone
	cfg.Server.WorkerCount = 4
	cfg.WAL.PurgeInterval = 0
	cfg.Storage.CheckpointInterval = 0
	cfg.Transaction.CommitTimeout = 10 * time.Second
	e, err := engine.Open(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return New(e)
}

func run(t *testing.T, sh *Shell, line string) (Result, string) {
	t.Helper()
	cmd, err := Parse(line)
	require.NoError(t, err)
	res := sh.Execute(cmd)
	var buf bytes.Buffer
	res.Print(&buf)
	return res, buf.String()
}

func mustOK(t *testing.T, sh *Shell, line string) string {
	t.Helper()
	res, out := run(t, sh, line)
	_, failed := res.(ErrorResult)
	require.False(t, failed, "%s: %s", line, out)
	return out
}

func TestParse(t *testing.T) {
	cmd, err := Parse(`  .put product 0 {"name": "chair", "price": 10}`)
	require.NoError(t, err)
	assert.Equal(t, ".put", cmd.Name)
	assert.Equal(t, "product", cmd.Args[0])
	assert.Equal(t, `{"name": "chair", "price": 10}`, cmd.Rest(2))
	assert.Equal(t, "", (&Command{Name: ".query", Line: ".query product"}).Rest(1))

	_, err = Parse("put x")
	assert.Error(t, err)
	_, err = Parse("   ")
	assert.Error(t, err)
}

func TestDecodeAttributes(t *testing.T) {
	attrs, err := DecodeAttributes(`json:{"a": 1}`)
	require.NoError(t, err)
	assert.Equal(t, float64(1), attrs["a"])

	_, err = DecodeAttributes(`[1, 2]`)
	assert.Error(t, err)
	_, err = DecodeAttributes(``)
	assert.Error(t, err)
}

func TestShellCatalogWorkflow(t *testing.T) {
	sh := newShell(t)

	mustOK(t, sh, ".create shop")
	mustOK(t, sh, ".use shop")
	mustOK(t, sh, `.put product 0 {"name": "chair"}`)
	mustOK(t, sh, `.put product 0 {"name": "table"}`)
	out := mustOK(t, sh, ".golive")
	assert.Contains(t, out, "version 1")

	mustOK(t, sh, ".use shop")
	mustOK(t, sh, ".begin")
	mustOK(t, sh, `.put product 3 {"name": "lamp"}`)
	out = mustOK(t, sh, ".commit")
	assert.Contains(t, out, "version 2")

	out = mustOK(t, sh, ".get product 3")
	assert.Contains(t, out, "lamp")

	out = mustOK(t, sh, `.query product entity.name == "chair"`)
	assert.Contains(t, out, "chair")
	assert.NotContains(t, out, "table")

	out = mustOK(t, sh, ".types")
	assert.Contains(t, out, "product")

	mustOK(t, sh, ".begin")
	mustOK(t, sh, ".del product 3")
	mustOK(t, sh, ".rollback")
	mustOK(t, sh, ".get product 3")

	out = mustOK(t, sh, ".history")
	assert.Contains(t, out, "     2 ")

	out = mustOK(t, sh, ".catalogs")
	assert.Contains(t, out, "shop")
	assert.Contains(t, out, "ALIVE")
}

func TestShellStructuralCommands(t *testing.T) {
	sh := newShell(t)
	mustOK(t, sh, ".create a")
	mustOK(t, sh, ".use a")
	mustOK(t, sh, `.put product 0 {"name": "x"}`)
	mustOK(t, sh, ".golive")

	mustOK(t, sh, ".duplicate a b")
	mustOK(t, sh, ".rename b c")
	mustOK(t, sh, ".deactivate c")
	mustOK(t, sh, ".activate c")
	mustOK(t, sh, ".drop c")

	out := mustOK(t, sh, ".log")
	assert.Contains(t, out, "create_catalog")
	assert.Contains(t, out, "rename_catalog")

	out = mustOK(t, sh, ".backup a")
	assert.Contains(t, out, "backup written to")
}

func TestShellErrors(t *testing.T) {
	sh := newShell(t)

	res, out := run(t, sh, ".get product 1")
	assert.IsType(t, ErrorResult{}, res)
	assert.Contains(t, out, "no open session")

	res, out = run(t, sh, ".nope")
	assert.IsType(t, ErrorResult{}, res)
	assert.Contains(t, out, "unknown command: .nope")

	res, _ = run(t, sh, ".use missing")
	assert.IsType(t, ErrorResult{}, res)

	mustOK(t, sh, ".create shop")
	mustOK(t, sh, ".use shop ro")
	res, _ = run(t, sh, `.put product 0 {"name": "x"}`)
	assert.IsType(t, ErrorResult{}, res)

	res, _ = run(t, sh, ".exit")
	assert.True(t, res.IsExit())
}
