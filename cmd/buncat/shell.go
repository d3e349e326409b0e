package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunbase/buncat/internal/engine"
	"github.com/kartikbazzad/bunbase/buncat/internal/shell"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open an interactive console on the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := engine.Open(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		os.Stdout.WriteString("buncat shell, type .help for commands\n")
		return shell.New(e).Run(os.Stdout)
	},
}

var catalogsCmd = &cobra.Command{
	Use:   "catalogs",
	Short: "List catalogs and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := engine.Open(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())
		sh := shell.New(e)
		sh.Execute(&shell.Command{Name: ".catalogs"}).Print(os.Stdout)
		return nil
	},
}
