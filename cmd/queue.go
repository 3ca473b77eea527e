package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/l0p7/offlinecache/internal/config"
	"github.com/l0p7/offlinecache/internal/syncqueue"
)

func newQueueCmd(stdout io.Writer, opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and seed the durable sync queue",
	}
	cmd.AddCommand(newQueueListCmd(stdout, opts))
	cmd.AddCommand(newQueueAddCmd(stdout, opts))
	return cmd
}

func newQueueListCmd(stdout io.Writer, opts *rootOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending sync items in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), opts, func(ctx context.Context, q syncqueue.Queue) error {
				items, err := q.List(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					if items == nil {
						items = []syncqueue.Item{}
					}
					enc := json.NewEncoder(stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(items)
				}
				if len(items) == 0 {
					_, err := fmt.Fprintln(stdout, "No pending sync items")
					return err
				}
				tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tACTION\tQUEUED")
				for _, item := range items {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", item.ID, item.Action, item.Timestamp.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func newQueueAddCmd(stdout io.Writer, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add ACTION [PAYLOAD]",
		Short: "Queue a mutation for the next sync",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := "{}"
			if len(args) == 2 {
				payload = args[1]
			}
			return withQueue(cmd.Context(), opts, func(ctx context.Context, q syncqueue.Queue) error {
				item, err := q.Enqueue(ctx, args[0], json.RawMessage(payload))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(stdout, item.ID)
				return err
			})
		},
	}
}

// withQueue opens the durable queue named by the configuration. A memory
// queue lives inside a running server, so the CLI refuses it.
func withQueue(ctx context.Context, opts *rootOptions, fn func(context.Context, syncqueue.Queue) error) error {
	cfg, err := config.NewLoader(opts.envPrefix, opts.configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if backend := strings.TrimSpace(strings.ToLower(cfg.Sync.Backend)); backend != "leveldb" {
		return errors.New("queue commands require the leveldb sync backend")
	}
	q, err := buildQueue(cfg.Sync)
	if err != nil {
		return fmt.Errorf("open sync queue (is a server holding it?): %w", err)
	}
	defer q.Close()
	return fn(ctx, q)
}
