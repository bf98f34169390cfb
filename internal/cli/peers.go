package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/provision"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/server"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/wgconf"
	"github.com/spf13/cobra"
)

func writeConfig(w io.Writer, res provision.IssueResult, qr bool) error {
	if _, err := io.WriteString(w, res.Config); err != nil {
		return err
	}
	if !qr {
		return nil
	}
	code, err := wgconf.QRCodeTerminal(res.Config)
	if err != nil {
		return fmt.Errorf("failed to render QR code: %w", err)
	}
	_, err = fmt.Fprintln(w, "\n"+code)
	return err
}

func newIssueCommand(st *state) *cobra.Command {
	var (
		userID    int64
		gatewayID string
		email     string
		qr        bool
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Provision a peer for a user on a gateway and print its config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return st.withRuntime(cmd, func(ctx context.Context, rt *server.Runtime) error {
				res, err := rt.Service.Issue(ctx, provision.IssueRequest{UserID: userID, Email: email, GatewayID: gatewayID})
				if err != nil {
					return err
				}
				return writeConfig(cmd.OutOrStdout(), res, qr)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&gatewayID, "gateway", "", "gateway id")
	cmd.Flags().StringVar(&email, "email", "", "user email, checked against VIP gateways")
	cmd.Flags().BoolVar(&qr, "qr", false, "also print the config as a terminal QR code")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("gateway")
	return cmd
}

func newConfigCommand(st *state) *cobra.Command {
	var (
		userID    int64
		gatewayID string
		qr        bool
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the config of an existing active peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return st.withRuntime(cmd, func(ctx context.Context, rt *server.Runtime) error {
				res, err := rt.Service.Config(ctx, userID, gatewayID)
				if err != nil {
					return err
				}
				return writeConfig(cmd.OutOrStdout(), res, qr)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&gatewayID, "gateway", "", "gateway id")
	cmd.Flags().BoolVar(&qr, "qr", false, "also print the config as a terminal QR code")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("gateway")
	return cmd
}

func newRevokeCommand(st *state) *cobra.Command {
	var (
		userID    int64
		gatewayID string
	)
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a user's peer on one gateway, or on all gateways",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return st.withRuntime(cmd, func(ctx context.Context, rt *server.Runtime) error {
				if gatewayID != "" {
					res, err := rt.Service.Revoke(ctx, userID, gatewayID)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), res)
				}

				summary, err := rt.Service.RevokeAll(ctx, userID)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
					return err
				}
				if len(summary.Failed) > 0 {
					return fmt.Errorf("revoke failed on %d gateway(s)", len(summary.Failed))
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&gatewayID, "gateway", "", "gateway id (default: every gateway)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSwitchCommand(st *state) *cobra.Command {
	var (
		userID   int64
		from, to string
		email    string
		qr       bool
	)
	cmd := &cobra.Command{
		Use:   "switch",
		Short: "Move a user's peer from one gateway to another",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return st.withRuntime(cmd, func(ctx context.Context, rt *server.Runtime) error {
				res, err := rt.Service.Switch(ctx, provision.SwitchRequest{UserID: userID, Email: email, From: from, To: to})
				if err != nil {
					if res.Revoked.Revoked {
						fmt.Fprintf(cmd.ErrOrStderr(), "peer on %s was revoked; no peer is active on %s\n", from, to)
					}
					return err
				}
				return writeConfig(cmd.OutOrStdout(), res.Issued, qr)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&from, "from", "", "current gateway id")
	cmd.Flags().StringVar(&to, "to", "", "destination gateway id")
	cmd.Flags().StringVar(&email, "email", "", "user email, checked against VIP gateways")
	cmd.Flags().BoolVar(&qr, "qr", false, "also print the config as a terminal QR code")
	for _, f := range []string{"user", "from", "to"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newStatusCommand(st *state) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List a user's active peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return st.withRuntime(cmd, func(ctx context.Context, rt *server.Runtime) error {
				peers, err := rt.Service.Status(ctx, userID)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "GATEWAY\tADDRESS\tPUBLIC KEY\tPROVISIONED")
				for _, p := range peers {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.GatewayID, p.AssignedAddress, p.PublicKey,
						p.ProvisionedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
