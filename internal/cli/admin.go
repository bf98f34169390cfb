package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/logs"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/migrations"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/server"
	"github.com/spf13/cobra"
)

func newServeCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP command API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app := &server.App{}
			if err := app.Initialize(ctx, st.cfg, logs.Logger); err != nil {
				return err
			}
			defer app.Close()
			return app.Run(ctx)
		},
	}
}

func newMigrateCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := st.cfg.InitializeDatabase()
			if err != nil {
				return err
			}
			defer ds.Close()

			version, err := migrations.NewMigrator(ds.DB).GetCurrentVersion()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return err
		},
	}
}

func newGatewaysCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "gateways",
		Short: "List gateways with their live peer counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return st.withRuntime(cmd, func(ctx context.Context, rt *server.Runtime) error {
				gateways, err := rt.Service.ListGateways(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tENDPOINT\tPREFIX\tSTATUS\tPEERS")
				for _, g := range gateways {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
						g.ID, g.Name, g.Endpoint(), g.AddressPrefix, g.Status, g.Active, g.Capacity)
				}
				return tw.Flush()
			})
		},
	}
}

func newGatewayStatusCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway-status <gateway-id> <online|offline|maintenance>",
		Short: "Change the administered status of a gateway",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withRuntime(cmd, func(ctx context.Context, rt *server.Runtime) error {
				if err := rt.Service.SetGatewayStatus(ctx, args[0], domain.GatewayStatus(args[1])); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", args[0], args[1])
				return err
			})
		},
	}
}

func newSweepCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired address reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return st.withRuntime(cmd, func(ctx context.Context, rt *server.Runtime) error {
				n, err := rt.Service.Sweep(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "swept %d expired reservation(s)\n", n)
				return err
			})
		},
	}
}

func newReconcileCommand(st *state) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Retry gateway removal of revoked peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return st.withRuntime(cmd, func(ctx context.Context, rt *server.Runtime) error {
				summary, err := rt.Service.Reconcile(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum revoked peers to check")
	return cmd
}
