package shell

import (
	"encoding/json"
	"fmt"
	"io"
)

type Result interface {
	Print(w io.Writer)
	IsExit() bool
}

type ErrorResult struct {
	Err string
}

func (e ErrorResult) Print(w io.Writer) {
	fmt.Fprintln(w, "ERROR")
	fmt.Fprintln(w, e.Err)
}

func (e ErrorResult) IsExit() bool { return false }

func errorResult(err error) Result { return ErrorResult{Err: err.Error()} }

type ExitResult struct{}

func (ExitResult) Print(w io.Writer) {}
func (ExitResult) IsExit() bool      { return true }

type OKResult struct {
	Lines []string
}

func (r OKResult) Print(w io.Writer) {
	fmt.Fprintln(w, "OK")
	for _, l := range r.Lines {
		fmt.Fprintln(w, l)
	}
}

func (OKResult) IsExit() bool { return false }

func ok(format string, args ...any) Result {
	return OKResult{Lines: []string{fmt.Sprintf(format, args...)}}
}

// JSONResult prints a value as indented JSON.
type JSONResult struct {
	Value any
}

func (r JSONResult) Print(w io.Writer) {
	raw, err := json.MarshalIndent(r.Value, "", "  ")
	if err != nil {
		ErrorResult{Err: err.Error()}.Print(w)
		return
	}
	fmt.Fprintln(w, "OK")
	fmt.Fprintln(w, string(raw))
}

func (JSONResult) IsExit() bool { return false }

type HelpResult struct{}

func (HelpResult) IsExit() bool { return false }

func (HelpResult) Print(w io.Writer) {
	fmt.Fprintln(w, "buncat shell commands:")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Meta:")
	fmt.Fprintln(w, "  .help                               Show this help message")
	fmt.Fprintln(w, "  .exit                               Exit the shell")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Catalogs:")
	fmt.Fprintln(w, "  .catalogs                           List catalogs")
	fmt.Fprintln(w, "  .create <name>                      Define a warming-up catalog")
	fmt.Fprintln(w, "  .use <name> [ro|rw|dry]             Open a session (default rw)")
	fmt.Fprintln(w, "  .close                              Close the session, committing")
	fmt.Fprintln(w, "  .golive                             Go live and close the session")
	fmt.Fprintln(w, "  .rename <name> <new>                Rename a catalog")
	fmt.Fprintln(w, "  .replace <with> <replaced>          Replace a catalog")
	fmt.Fprintln(w, "  .duplicate <name> <new>             Copy a catalog")
	fmt.Fprintln(w, "  .activate|.deactivate|.drop <name>  Change catalog state / delete")
	fmt.Fprintln(w, "  .backup <name> [version]            Back up a catalog with its WAL")
	fmt.Fprintln(w, "  .restore <name> <file>              Restore a backup as a new catalog")
	fmt.Fprintln(w, "  .log                                Show the engine mutation log")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Transactions:")
	fmt.Fprintln(w, "  .begin | .commit | .rollback")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Data:")
	fmt.Fprintln(w, "  .types                              List entity types")
	fmt.Fprintln(w, "  .schema <type>                      Show an entity schema")
	fmt.Fprintln(w, "  .get <type> <pk>                    Read an entity")
	fmt.Fprintln(w, "  .put <type> <pk|0> <json>           Upsert an entity (0 assigns a key)")
	fmt.Fprintln(w, "  .del <type> <pk>                    Delete an entity")
	fmt.Fprintln(w, "  .query <type> [cel filter]          Query entities")
	fmt.Fprintln(w, "  .version                            Show the catalog version")
	fmt.Fprintln(w, "  .history [page]                     List committed versions, newest first")
}
