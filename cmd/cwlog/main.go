package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cwlogd/pkg/client"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "cwlog",
		Short:        "Send log events to the local cwlogd daemon",
		SilenceUsage: true,
	}
	root.AddCommand(newSendCmd(in, out))
	return root
}

type sendOptions struct {
	address string
	retries int
	wait    time.Duration
	timeout time.Duration
	verbose bool
}

func newSendCmd(in io.Reader, out io.Writer) *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send [MESSAGE]",
		Short: "Send one message, or one message per stdin line when MESSAGE is omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(
				client.WithAddress(opts.address),
				client.WithRetries(opts.retries),
				client.WithWait(opts.wait),
			)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				return sendOne(cmd.Context(), c, opts, out, args[0])
			}

			sc := bufio.NewScanner(in)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				line := strings.TrimRight(sc.Text(), "\r")
				if line == "" {
					continue
				}
				if err := sendOne(cmd.Context(), c, opts, out, line); err != nil {
					return err
				}
			}
			return sc.Err()
		},
	}

	cmd.Flags().StringVar(&opts.address, "address", client.DefaultAddress, "daemon socket name")
	cmd.Flags().IntVar(&opts.retries, "retries", client.DefaultRetries, "connection retries")
	cmd.Flags().DurationVar(&opts.wait, "wait", client.DefaultWait, "wait between connection retries")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-message timeout")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "print queue health after each message")
	return cmd
}

func sendOne(ctx context.Context, c *client.Client, opts sendOptions, out io.Writer, msg string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	resp, err := c.LogEvent(ctx, msg)
	if err != nil {
		return err
	}
	if opts.verbose && resp.Health != nil {
		fmt.Fprintf(out, "queued (queue_length=%d, %.2f%% full)\n",
			resp.Health.QueueLength, resp.Health.QueuePercentFull)
	}
	return nil
}
