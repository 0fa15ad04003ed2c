package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/txnd/client"
)

type txnCLI struct {
	v      *viper.Viper
	logger pslog.Logger
	now    func() time.Time
}

func newTxnCommand(baseLogger pslog.Logger) *cobra.Command {
	cli := &txnCLI{v: viper.New(), logger: baseLogger, now: time.Now}
	cmd := &cobra.Command{
		Use:          "txn",
		Short:        "Drive transactions on a running txnd",
		SilenceUsage: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringP("server", "s", "http://127.0.0.1:9451", "comma separated txnd endpoints (failover order)")
	pf.Duration("http-timeout", client.DefaultHTTPTimeout, "per-request timeout, extended by any --wait")
	pf.String("correlation-id", "", "correlation id sent with every request (generated when empty)")
	cli.v.SetEnvPrefix(envPrefix)
	cli.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cli.v.AutomaticEnv()
	for _, name := range []string{"server", "http-timeout", "correlation-id"} {
		if err := cli.v.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(
		cli.createCommand(),
		cli.joinCommand(),
		cli.stateCommand(),
		cli.completeCommand("commit", "Commit a transaction", (*client.Client).Commit),
		cli.completeCommand("abort", "Abort a transaction", (*client.Client).Abort),
		cli.renewCommand(),
		cli.cancelCommand(),
	)
	return cmd
}

func (c *txnCLI) client(ctx context.Context) (*client.Client, context.Context, error) {
	endpoints, err := client.ParseEndpoints(c.v.GetString("server"))
	if err != nil {
		return nil, ctx, err
	}
	cli, err := client.NewWithEndpoints(endpoints,
		client.WithHTTPTimeout(c.v.GetDuration("http-timeout")),
		client.WithLogger(c.logger),
	)
	if err != nil {
		return nil, ctx, err
	}
	cid := strings.TrimSpace(c.v.GetString("correlation-id"))
	if cid == "" {
		cid = client.GenerateCorrelationID()
	}
	return cli, client.WithCorrelationID(ctx, cid), nil
}

func (c *txnCLI) printLease(out io.Writer, tx client.Transaction) {
	fmt.Fprintf(out, "txn_id: %s\n", tx.ID)
	fmt.Fprintf(out, "lease_expires_at: %s (%s)\n",
		tx.LeaseExpires.UTC().Format(time.RFC3339),
		humanize.RelTime(tx.LeaseExpires, c.now(), "ago", "from now"))
}

func (c *txnCLI) createCommand() *cobra.Command {
	var leaseDuration time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			tx, err := cli.Create(ctx, leaseDuration)
			if err != nil {
				return err
			}
			c.printLease(cmd.OutOrStdout(), tx)
			return nil
		},
	}
	cmd.Flags().DurationVar(&leaseDuration, "lease", 0, "requested lease (0 takes the server default)")
	return cmd
}

func (c *txnCLI) joinCommand() *cobra.Command {
	var p client.Participant
	var crashCount int64
	cmd := &cobra.Command{
		Use:   "join TXN_ID",
		Short: "Enlist a participant in a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(p.Address) == "" {
				return fmt.Errorf("--address required")
			}
			cli, ctx, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			if err := cli.Join(ctx, args[0], p, crashCount); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "joined")
			return nil
		},
	}
	cmd.Flags().StringVar(&p.Kind, "kind", "http", "participant kind")
	cmd.Flags().StringVar(&p.Address, "address", "", "participant address (for http, the base URL)")
	cmd.Flags().StringVar(&p.Key, "key", "", "participant key when one address serves several")
	cmd.Flags().Int64Var(&crashCount, "crash-count", 0, "participant incarnation")
	return cmd
}

func (c *txnCLI) stateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state TXN_ID",
		Short: "Print the state of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			state, err := cli.State(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

type completeFunc func(*client.Client, context.Context, string, time.Duration) (string, error)

func (c *txnCLI) completeCommand(use, short string, fn completeFunc) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   use + " TXN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			state, err := fn(cli, ctx, args[0], wait)
			if client.IsTimeout(err) {
				return fmt.Errorf("%s of %s decided but not every participant answered within %s; the coordinator keeps settling it", use, args[0], durationOrForever(wait))
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", client.WaitForever, "how long to wait for participants (negative waits until all are told)")
	return cmd
}

func (c *txnCLI) renewCommand() *cobra.Command {
	var extension time.Duration
	cmd := &cobra.Command{
		Use:   "renew TXN_ID",
		Short: "Extend the lease of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			tx, err := cli.Renew(ctx, args[0], extension)
			if err != nil {
				return err
			}
			c.printLease(cmd.OutOrStdout(), tx)
			return nil
		},
	}
	cmd.Flags().DurationVar(&extension, "extension", 0, "lease extension from now (0 takes the server default)")
	return cmd
}

func (c *txnCLI) cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TXN_ID",
		Short: "Give up the lease of a transaction, aborting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			state, err := cli.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
}
