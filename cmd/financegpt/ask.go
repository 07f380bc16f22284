package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/financegpt/backend/pkg/assembler"
	"github.com/financegpt/backend/pkg/client"
	"github.com/financegpt/backend/pkg/streamreader"
)

type askOptions struct {
	*rootOptions
	json bool
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &askOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question and stream the answer",
		Example: `  financegpt ask "How did AAPL close yesterday?"
  financegpt ask --json "Summarise the latest NVDA news"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAsk(ctx, cmd, opts, strings.Join(args, " "))
		},
	}

	cmd.Flags().BoolVar(&opts.json, "json", false, "wait for the full answer instead of streaming")
	return cmd
}

func runAsk(ctx context.Context, cmd *cobra.Command, opts *askOptions, question string) error {
	c := client.New(opts.server)
	out := cmd.OutOrStdout()

	if opts.json {
		answer, err := c.Complete(ctx, []assembler.Message{{Role: assembler.RoleUser, Content: question}})
		if answer != "" {
			fmt.Fprintln(out, answer)
		}
		return err
	}

	printer := newTranscriptPrinter(out, false)
	conv := assembler.New(assembler.WithOnChange(printer.update))

	kind, err := conv.Send(ctx, question, c.StreamFunc())
	printer.flush()

	switch kind {
	case streamreader.Completed:
		return nil
	case streamreader.Canceled:
		fmt.Fprintln(cmd.ErrOrStderr(), "(canceled)")
		return nil
	default:
		var statusErr *client.StatusError
		if errors.As(err, &statusErr) || errors.Is(err, client.ErrNotStreaming) {
			return fmt.Errorf("backend at %s: %w", opts.server, err)
		}
		return err
	}
}
