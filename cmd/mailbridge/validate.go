package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the definitions file without connecting anywhere",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		defs, err := config.NewLoader(cfg.ConfigPath).Load()
		if err != nil {
			return err
		}
		return validate(cmd.OutOrStdout(), defs, log)
	},
}

// validate builds every sink and source and prints a summary. Nothing is
// dialed.
func validate(w io.Writer, defs *config.Definitions, log *zap.Logger) error {
	a, err := build(defs, log)
	if err != nil {
		return fmt.Errorf("invalid definitions:\n%w", err)
	}
	fmt.Fprintf(w, "%d sink(s), %d source(s) OK\n", len(a.sinks), len(a.sources))
	for _, s := range a.sinks {
		fmt.Fprintf(w, "  sink   %s\n", s.Name())
	}
	for _, s := range a.sources {
		st := s.engine.Status()
		fmt.Fprintf(w, "  source %s (%s %s, listener %s)\n", st.Name, st.Store, st.Folder, s.listener)
	}
	return nil
}
