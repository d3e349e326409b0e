// Package shell implements an interactive console over a catalog engine.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/peterh/liner"

	"github.com/kartikbazzad/bunbase/buncat/internal/engine"
	"github.com/kartikbazzad/bunbase/buncat/internal/query"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// Shell holds at most one open session at a time.
type Shell struct {
	mu      sync.Mutex
	engine  *engine.Engine
	session *engine.Session
	timeout time.Duration
}

func New(e *engine.Engine) *Shell {
	return &Shell{engine: e, timeout: time.Minute}
}

var commandNames = []string{
	".help", ".exit", ".catalogs", ".create", ".use", ".close", ".golive",
	".rename", ".replace", ".duplicate", ".activate", ".deactivate", ".drop",
	".backup", ".restore", ".log", ".begin", ".commit", ".rollback",
	".types", ".schema", ".get", ".put", ".del", ".query", ".version", ".history",
}

// Run reads commands until .exit or EOF.
func (s *Shell) Run(out io.Writer) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) []string {
		var c []string
		for _, n := range commandNames {
			if strings.HasPrefix(n, prefix) {
				c = append(c, n)
			}
		}
		return c
	})

	for {
		input, err := line.Prompt(s.prompt())
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				s.Execute(&Command{Name: ".exit"})
				return nil
			}
			return err
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)
		cmd, err := Parse(input)
		if err != nil {
			ErrorResult{Err: err.Error()}.Print(out)
			continue
		}
		res := s.Execute(cmd)
		res.Print(out)
		if res.IsExit() {
			return nil
		}
	}
}

func (s *Shell) prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return "buncat> "
	}
	if id := s.session.OpenedTransactionID(); id != "" {
		return s.session.CatalogName() + "(tx)> "
	}
	return s.session.CatalogName() + "> "
}

func (s *Shell) Execute(cmd *Command) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Name {
	case ".help":
		return HelpResult{}
	case ".exit":
		s.closeSession()
		return ExitResult{}
	case ".catalogs":
		return s.catalogs()
	case ".create":
		return s.create(cmd)
	case ".use":
		return s.use(cmd)
	case ".close":
		if s.session == nil {
			return ErrorResult{Err: "no open session"}
		}
		v, err := s.closeSession()
		if err != nil {
			return errorResult(err)
		}
		return ok("closed at version %d", v.CatalogVersion)
	case ".golive":
		return s.goLive()
	case ".rename", ".replace", ".duplicate":
		return s.structural(cmd)
	case ".activate", ".deactivate", ".drop":
		return s.lifecycle(cmd)
	case ".backup":
		return s.backup(cmd)
	case ".restore":
		return s.restore(cmd)
	case ".log":
		return s.engineLog()
	case ".begin", ".commit", ".rollback":
		return s.transaction(cmd)
	case ".types", ".schema", ".get", ".put", ".del", ".query", ".version", ".history":
		if s.session == nil {
			return ErrorResult{Err: "no open session, use .use <catalog>"}
		}
		return s.data(cmd)
	default:
		return ErrorResult{Err: fmt.Sprintf("unknown command: %s", cmd.Name)}
	}
}

func (s *Shell) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Shell) closeSession() (types.CommitVersions, error) {
	if s.session == nil {
		return types.CommitVersions{}, nil
	}
	sess := s.session
	s.session = nil
	return sess.Close()
}

func (s *Shell) catalogs() Result {
	infos := s.engine.Catalogs()
	lines := make([]string, 0, len(infos))
	for _, c := range infos {
		lines = append(lines, fmt.Sprintf("%-24s %-12s version=%d schema=%d sessions=%d",
			c.Name, c.State, c.Version, c.SchemaVersion, c.Sessions))
	}
	if len(lines) == 0 {
		lines = append(lines, "(no catalogs)")
	}
	return OKResult{Lines: lines}
}

func (s *Shell) create(cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return errorResult(err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	info, err := s.engine.DefineCatalog(ctx, cmd.Args[0])
	if err != nil {
		return errorResult(err)
	}
	return ok("catalog %s created (%s)", info.Name, info.State)
}

func (s *Shell) use(cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return errorResult(err)
	}
	traits := types.ReadWrite()
	if len(cmd.Args) > 1 {
		switch cmd.Args[1] {
		case "ro":
			traits = types.ReadOnly()
		case "rw":
		case "dry":
			traits.DryRun = true
		default:
			return ErrorResult{Err: fmt.Sprintf("unknown session mode: %s", cmd.Args[1])}
		}
	}
	if _, err := s.closeSession(); err != nil {
		return errorResult(err)
	}
	sess, err := s.engine.CreateSession(context.Background(), cmd.Args[0], traits)
	if err != nil {
		return errorResult(err)
	}
	s.session = sess
	return ok("session %s on %s", sess.ID(), cmd.Args[0])
}

func (s *Shell) goLive() Result {
	if s.session == nil {
		return ErrorResult{Err: "no open session"}
	}
	ctx, cancel := s.ctx()
	defer cancel()
	v, err := s.session.GoLiveAndClose(ctx)
	if err != nil {
		return errorResult(err)
	}
	s.session = nil
	return ok("catalog is live at version %d", v.CatalogVersion)
}

func (s *Shell) structural(cmd *Command) Result {
	if err := ValidateArgs(cmd, 2); err != nil {
		return errorResult(err)
	}
	var (
		p   *engine.Progress[types.CommitVersions]
		err error
	)
	switch cmd.Name {
	case ".rename":
		p, err = s.engine.RenameCatalog(cmd.Args[0], cmd.Args[1])
	case ".replace":
		p, err = s.engine.ReplaceCatalog(cmd.Args[0], cmd.Args[1])
	default:
		p, err = s.engine.DuplicateCatalog(cmd.Args[0], cmd.Args[1])
	}
	return s.await(p, err)
}

func (s *Shell) lifecycle(cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return errorResult(err)
	}
	var (
		p   *engine.Progress[types.CommitVersions]
		err error
	)
	switch cmd.Name {
	case ".activate":
		p, err = s.engine.ActivateCatalog(cmd.Args[0])
	case ".deactivate":
		p, err = s.engine.DeactivateCatalog(cmd.Args[0])
	default:
		p, err = s.engine.DeleteCatalog(cmd.Args[0])
	}
	return s.await(p, err)
}

func (s *Shell) await(p *engine.Progress[types.CommitVersions], err error) Result {
	if err != nil {
		return errorResult(err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	v, err := p.Wait(ctx)
	if err != nil {
		return errorResult(err)
	}
	return ok("%s of %s done (version %d)", p.Operation, p.Catalog, v.CatalogVersion)
}

func (s *Shell) backup(cmd *Command) Result {
	if err := ValidateArgs(cmd, 1); err != nil {
		return errorResult(err)
	}
	opts := engine.BackupOptions{IncludeWAL: true}
	if len(cmd.Args) > 1 {
		v, err := ParseUint64(cmd.Args[1])
		if err != nil {
			return ErrorResult{Err: fmt.Sprintf("invalid version: %s", cmd.Args[1])}
		}
		opts.Version = v
	}
	p, err := s.engine.BackupCatalog(cmd.Args[0], opts)
	if err != nil {
		return errorResult(err)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	path, err := p.Wait(ctx)
	if err != nil {
		return errorResult(err)
	}
	return ok("backup written to %s", path)
}

func (s *Shell) restore(cmd *Command) Result {
	if err := ValidateArgs(cmd, 2); err != nil {
		return errorResult(err)
	}
	f, err := os.Open(cmd.Args[1])
	if err != nil {
		return errorResult(err)
	}
	defer f.Close()
	p, err := s.engine.RestoreCatalog(cmd.Args[0], f)
	return s.await(p, err)
}

func (s *Shell) engineLog() Result {
	records, err := s.engine.EngineMutations(1)
	if err != nil {
		return errorResult(err)
	}
	lines := make([]string, 0, len(records))
	for _, r := range records {
		m := r.Mutation
		line := fmt.Sprintf("%6d %-16s %s", r.Version, m.Op, m.Catalog)
		if m.Target != "" {
			line += " -> " + m.Target
		}
		lines = append(lines, line)
	}
	return OKResult{Lines: lines}
}

func (s *Shell) transaction(cmd *Command) Result {
	if s.session == nil {
		return ErrorResult{Err: "no open session"}
	}
	switch cmd.Name {
	case ".begin":
		id, err := s.session.OpenTransaction()
		if err != nil {
			return errorResult(err)
		}
		return ok("transaction %s", id)
	case ".rollback":
		if err := s.session.SetRollbackOnly(); err != nil {
			return errorResult(err)
		}
	}
	v, err := s.session.CloseTransaction()
	if err != nil {
		return errorResult(err)
	}
	return ok("version %d", v.CatalogVersion)
}

func (s *Shell) data(cmd *Command) Result {
	sess := s.session
	ctx, cancel := s.ctx()
	defer cancel()

	switch cmd.Name {
	case ".types":
		names, err := sess.AllEntityTypes()
		if err != nil {
			return errorResult(err)
		}
		sort.Strings(names)
		lines := make([]string, 0, len(names))
		for _, n := range names {
			size, err := sess.EntityCollectionSize(n)
			if err != nil {
				return errorResult(err)
			}
			lines = append(lines, fmt.Sprintf("%-24s %d", n, size))
		}
		return OKResult{Lines: lines}
	case ".schema":
		if err := ValidateArgs(cmd, 1); err != nil {
			return errorResult(err)
		}
		schema, err := sess.EntitySchema(cmd.Args[0])
		if err != nil {
			return errorResult(err)
		}
		return JSONResult{Value: schema}
	case ".get":
		if err := ValidateArgs(cmd, 2); err != nil {
			return errorResult(err)
		}
		pk, err := ParseInt64(cmd.Args[1])
		if err != nil {
			return ErrorResult{Err: fmt.Sprintf("invalid primary key: %s", cmd.Args[1])}
		}
		ent, err := sess.GetEntity(ctx, cmd.Args[0], pk)
		if err != nil {
			return errorResult(err)
		}
		if ent == nil {
			return ErrorResult{Err: "not found"}
		}
		return JSONResult{Value: ent}
	case ".put":
		if err := ValidateArgs(cmd, 3); err != nil {
			return errorResult(err)
		}
		pk, err := ParseInt64(cmd.Args[1])
		if err != nil {
			return ErrorResult{Err: fmt.Sprintf("invalid primary key: %s", cmd.Args[1])}
		}
		attrs, err := DecodeAttributes(cmd.Rest(2))
		if err != nil {
			return errorResult(err)
		}
		ent, err := sess.UpsertEntity(&types.Entity{Type: cmd.Args[0], PrimaryKey: pk, Attributes: attrs})
		if err != nil {
			return errorResult(err)
		}
		return ok("%s/%d version %d", ent.Type, ent.PrimaryKey, ent.Version)
	case ".del":
		if err := ValidateArgs(cmd, 2); err != nil {
			return errorResult(err)
		}
		pk, err := ParseInt64(cmd.Args[1])
		if err != nil {
			return ErrorResult{Err: fmt.Sprintf("invalid primary key: %s", cmd.Args[1])}
		}
		if err := sess.DeleteEntity(cmd.Args[0], pk); err != nil {
			return errorResult(err)
		}
		return ok("deleted %s/%d", cmd.Args[0], pk)
	case ".query":
		if err := ValidateArgs(cmd, 1); err != nil {
			return errorResult(err)
		}
		resp, err := sess.GetEntities(ctx, query.Request{EntityType: cmd.Args[0], Filter: cmd.Rest(1), OrderBy: "pk"})
		if err != nil {
			return errorResult(err)
		}
		return JSONResult{Value: resp}
	case ".version":
		v, err := sess.CatalogVersion()
		if err != nil {
			return errorResult(err)
		}
		st, err := sess.CatalogState()
		if err != nil {
			return errorResult(err)
		}
		return ok("version %d (%s)", v, st)
	default: // .history
		page := 1
		if len(cmd.Args) > 0 {
			n, err := ParseInt64(cmd.Args[0])
			if err != nil || n < 1 {
				return ErrorResult{Err: fmt.Sprintf("invalid page: %s", cmd.Args[0])}
			}
			page = int(n)
		}
		versions, err := sess.CatalogVersions(types.FromNewest, page, query.DefaultPageSize)
		if err != nil {
			return errorResult(err)
		}
		lines := make([]string, 0, len(versions.Items))
		for _, v := range versions.Items {
			lines = append(lines, fmt.Sprintf("%6d %s", v.Version, v.Timestamp.Format(time.RFC3339)))
		}
		return OKResult{Lines: lines}
	}
}
