package main

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/financegpt/backend/internal/logging"
)

type rootOptions struct {
	server   string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "financegpt",
		Short: "Chat with the FinanceGPT assistant from the terminal",
		Long: `financegpt talks to a running FinanceGPT backend.

  ask   - ask a single question and stream the answer
  room  - join a group chat room where the assistant answers every message`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Setup(opts.logLevel, "console")
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.server, "server", "s", "http://localhost:8000", "backend base URL")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", zerolog.WarnLevel.String(), "log level (debug, info, warn, error)")

	cmd.AddCommand(newAskCmd(opts), newRoomCmd(opts))
	return cmd
}

// websocketURL maps an http(s) base URL to ws(s).
func websocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	return u.String(), nil
}
