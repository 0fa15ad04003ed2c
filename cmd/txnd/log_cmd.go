package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/txnd"
	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog"
)

func newLogCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect a transaction log",
	}
	cmd.AddCommand(newLogDumpCommand(v, baseLogger))
	return cmd
}

func newLogDumpCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	var store string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every retained record in log order",
		Long: `Print every retained record in log order.

Disk and bolt stores are locked while a server has them open; stop the
server before dumping them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			cfg := bindConfig(v)
			if strings.TrimSpace(store) != "" {
				cfg.Store = store
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := txnd.OpenLog(cfg, applyLogLevel(baseLogger, v))
			if err != nil {
				return err
			}
			defer log.Close()
			return dumpLog(cmd, log, asJSON)
		},
	}
	cmd.Flags().StringVar(&store, "store", "", "transaction log URL (defaults to the configured store)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit one JSON record per line")
	return cmd
}

func dumpLog(cmd *cobra.Command, log txnlog.Log, asJSON bool) error {
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	var records int
	seen := make(map[txn.ID]struct{})
	err := log.Recover(cmd.Context(), func(rec txnlog.Record) error {
		records++
		seen[rec.TxnID] = struct{}{}
		if asJSON {
			return enc.Encode(rec)
		}
		return writeRecord(out, rec)
	})
	if err != nil {
		return fmt.Errorf("dump log: %w", err)
	}
	if !asJSON {
		fmt.Fprintf(out, "%s records, %s transactions\n", humanize.Comma(int64(records)), humanize.Comma(int64(len(seen))))
	}
	return nil
}

func writeRecord(out io.Writer, rec txnlog.Record) error {
	parts := make([]string, 0, len(rec.Participants))
	for _, e := range rec.Participants {
		parts = append(parts, fmt.Sprintf("%s/%d=%s", e.Ref, e.CrashCount, e.Vote))
	}
	written := "-"
	if !rec.Written.IsZero() {
		written = rec.Written.UTC().Format(time.RFC3339Nano)
	}
	_, err := fmt.Fprintf(out, "%s %s %-18s %s\n", written, rec.TxnID, rec.Kind, strings.Join(parts, " "))
	return err
}
