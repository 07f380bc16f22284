package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/financegpt/backend/internal/model/chat"
	"github.com/financegpt/backend/internal/service/agent"
	"github.com/financegpt/backend/pkg/assembler"
	"github.com/financegpt/backend/pkg/protocol"
	"github.com/financegpt/backend/pkg/wsclient"
)

type roomOptions struct {
	*rootOptions
	room     string
	userID   string
	username string
	history  bool
}

func newRoomCmd(root *rootOptions) *cobra.Command {
	opts := &roomOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "room",
		Short: "Join a group chat room",
		Long: `room joins a group chat. Every line typed on stdin is posted to the room and
the assistant's replies are streamed as they arrive. Type /quit to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRoom(ctx, cmd, opts, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVarP(&opts.room, "room", "r", "lobby", "room id")
	cmd.Flags().StringVar(&opts.userID, "user", "", "user id (random when empty)")
	cmd.Flags().StringVarP(&opts.username, "username", "u", os.Getenv("USER"), "display name")
	cmd.Flags().BoolVar(&opts.history, "history", true, "print the room transcript on join")
	return cmd
}

func runRoom(ctx context.Context, cmd *cobra.Command, opts *roomOptions, in io.Reader) error {
	if opts.userID == "" {
		opts.userID = uuid.NewString()
	}
	if opts.username == "" {
		opts.username = "guest"
	}
	out := cmd.OutOrStdout()

	if opts.history {
		transcript, err := fetchTranscript(ctx, opts.server, opts.room)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "could not load room history: %v\n", err)
		} else if len(transcript) > 0 {
			fmt.Fprint(out, agent.FormatTranscript(transcript))
		}
	}

	base, err := websocketURL(opts.server)
	if err != nil {
		return err
	}
	mgr, err := wsclient.Dial(ctx, base, opts.room, opts.userID, opts.username)
	if err != nil {
		return err
	}
	defer mgr.Close()

	printer := newTranscriptPrinter(out, true)
	conv := assembler.New(assembler.WithOnChange(printer.update))
	unbind := mgr.Bind(conv)
	defer unbind()
	subscribeNotices(mgr, printer)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mgr.Done():
			return mgr.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				continue
			case line == "/quit":
				return nil
			}
			if err := mgr.SendChat(line); err != nil {
				return err
			}
		}
	}
}

// subscribeNotices prints room events that are not conversation messages.
// The handlers run after Bind's, so replies are already flushed.
func subscribeNotices(mgr *wsclient.Manager, p *transcriptPrinter) {
	mgr.Subscribe(protocol.TypeConnect, func(env protocol.Envelope) {
		var data protocol.ConnectData
		if env.Decode(&data) == nil {
			p.println(fmt.Sprintf("* joined %s (%d online)", env.RoomID, len(data.Members)))
		}
	})
	mgr.Subscribe(protocol.TypeSystem, func(env protocol.Envelope) {
		p.println("* " + env.Content)
	})
	mgr.Subscribe(protocol.TypeAIComplete, func(protocol.Envelope) {
		p.flush()
	})
	mgr.Subscribe(protocol.TypeError, func(env protocol.Envelope) {
		p.flush()
		p.println("! " + env.Content)
	})
	mgr.Subscribe(protocol.TypeToolCall, func(env protocol.Envelope) {
		var call protocol.ToolCallData
		if env.Decode(&call) == nil && call.Status != protocol.ToolStarted {
			p.println(fmt.Sprintf("  [%s %s: %s]", call.Tool, call.Symbol, call.Status))
		}
	})
	mgr.Subscribe(protocol.TypeChartData, func(env protocol.Envelope) {
		var chart protocol.ChartData
		if env.Decode(&chart) == nil && len(chart.Points) > 0 {
			last := chart.Points[len(chart.Points)-1]
			p.println(fmt.Sprintf("  [%s: %d sessions, last close %.2f on %s]", chart.Symbol, len(chart.Points), last.Close, last.Date))
		}
	})
}

func fetchTranscript(ctx context.Context, server, roomID string) ([]chat.Message, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, err
	}
	u = u.JoinPath("api", "rooms", roomID, "messages")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}
