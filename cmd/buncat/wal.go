package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
	"github.com/kartikbazzad/bunbase/buncat/internal/mutation"
	"github.com/kartikbazzad/bunbase/buncat/internal/wal"
)

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "Inspect write-ahead logs",
}

var dumpFrom uint64

var walDumpCmd = &cobra.Command{
	Use:   "dump <catalog>",
	Short: "Print the committed transactions of a catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		base := filepath.Join(cfg.DataDir, "catalogs", args[0], "catalog.wal")
		return dumpLog(os.Stdout, base, dumpFrom)
	},
}

func init() {
	walDumpCmd.Flags().Uint64Var(&dumpFrom, "from", 0, "First version to print")
	walCmd.AddCommand(walDumpCmd)
}

// dumpLog reads the segments without opening the log, so it never
// truncates a torn tail.
func dumpLog(w io.Writer, base string, from uint64) error {
	rot := wal.NewRotator(base, 0, logger.Discard())
	seqs, err := rot.Sequences()
	if err != nil {
		return err
	}
	codec := mutation.Codec{}
	for _, seq := range seqs {
		r := wal.NewReader(rot.SegmentPath(seq))
		if err := r.Open(); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for {
			b, err := r.NextBatch()
			if err != nil {
				r.Close()
				return errors.Wrap(err, rot.SegmentPath(seq))
			}
			if b == nil {
				break
			}
			if b.Marker.Version < from {
				continue
			}
			fmt.Fprintf(w, "v%d schema=%d tx=%s at=%s mutations=%d\n",
				b.Marker.Version, b.Marker.SchemaVersion, b.Marker.TxID,
				b.Marker.CommittedAt.Format(time.RFC3339Nano), len(b.Mutations))
			for _, pl := range b.Mutations {
				m, err := codec.Decode(pl.Flags, pl.Data)
				if err != nil {
					fmt.Fprintf(w, "  <undecodable: %v>\n", err)
					continue
				}
				fmt.Fprintf(w, "  %s %+v\n", m.Kind(), m)
			}
		}
		r.Close()
	}
	return nil
}
