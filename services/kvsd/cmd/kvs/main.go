package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/greymass/kvs/libraries/kvclient"
	"github.com/spf13/cobra"
)

var Version = "dev"

// errKeyMissing exits 1 after "Key not found" has already been printed.
var errKeyMissing = errors.New("key not found")

type options struct {
	addr    string
	timeout time.Duration
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "kvs",
		Short:         "Command line client for a kvsd server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "127.0.0.1:4000", "Server address (host:port or /path/to.sock)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	cmd.AddCommand(
		newSetCmd(opts),
		newGetCmd(opts),
		newRemoveCmd(opts),
		newCompactCmd(opts),
	)
	return cmd
}

func withClient(cmd *cobra.Command, opts *options, fn func(ctx context.Context, c *kvclient.Client) error) error {
	cfg := kvclient.DefaultConfig()
	cfg.RequestTimeout = opts.timeout
	c, err := kvclient.Dial(opts.addr, cfg)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.addr, err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	return fn(ctx, c)
}

func newSetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *kvclient.Client) error {
				return c.Set(ctx, args[0], []byte(args[1]))
			})
		},
	}
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *kvclient.Client) error {
				value, found, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					fmt.Fprintln(cmd.OutOrStdout(), "Key not found")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(value))
				return nil
			})
		},
	}
}

func newRemoveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <key>",
		Aliases: []string{"remove"},
		Short:   "Remove a key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *kvclient.Client) error {
				err := c.Remove(ctx, args[0])
				if errors.Is(err, kvclient.ErrKeyNotFound) {
					fmt.Fprintln(cmd.OutOrStdout(), "Key not found")
					return errKeyMissing
				}
				return err
			})
		},
	}
}

func newCompactCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run a compaction on the server and wait for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *kvclient.Client) error {
				return c.Compact(ctx)
			})
		},
	}
}

func main() {
	err := newRootCmd(os.Stdout).Execute()
	if err == nil {
		return
	}
	if !errors.Is(err, errKeyMissing) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(1)
}
