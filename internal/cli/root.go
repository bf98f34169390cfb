// Package cli implements the peerd command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/config"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/logs"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/server"
	"github.com/spf13/cobra"
)

// state is shared by the commands of one invocation
type state struct {
	configPath string
	cfg        *config.Config
	logCloser  io.Closer
}

// NewRootCommand builds the peerd command tree
func NewRootCommand() *cobra.Command {
	st := &state{}

	root := &cobra.Command{
		Use:           "peerd",
		Short:         "WireGuard peer provisioning service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return st.load(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if st.logCloser != nil {
				return st.logCloser.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&st.configPath, "config", "", "config file (default: $CONFIG_FILE or peerd.yaml)")

	root.AddCommand(
		newServeCommand(st),
		newMigrateCommand(st),
		newIssueCommand(st),
		newConfigCommand(st),
		newRevokeCommand(st),
		newSwitchCommand(st),
		newStatusCommand(st),
		newGatewaysCommand(st),
		newGatewayStatusCommand(st),
		newSweepCommand(st),
		newReconcileCommand(st),
	)
	return root
}

// load reads the configuration and sets up logging. Logs go to stderr so
// command output on stdout stays machine readable.
func (st *state) load(cmd *cobra.Command) error {
	cfg, err := config.Load(st.configPath)
	if err != nil {
		return err
	}
	st.cfg = cfg

	closer, err := logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	st.logCloser = closer
	return nil
}

// withRuntime opens the provisioning core for the duration of fn
func (st *state) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *server.Runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := server.Open(ctx, st.cfg, logs.Logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
