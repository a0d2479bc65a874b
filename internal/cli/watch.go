package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"clip-acquirer/internal/model"
)

// serverMessage covers both progress and error frames.
type serverMessage struct {
	Type       string  `json:"type"`
	ResourceID string  `json:"resourceId"`
	Progress   int     `json:"progress"`
	Status     string  `json:"status"`
	Phase      *string `json:"phase"`
	Error      string  `json:"error"`
	Timestamp  int64   `json:"timestamp"`
}

func newWatchCmd(a *app) *cobra.Command {
	var server string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "watch <resource-id>...",
		Short: "Follow live progress until every resource reaches a terminal status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(server) == "" {
				server = a.cfg.ListenAddr
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if jsonOut || !isTerminal(a.stdout) {
				return watchProgress(ctx, server, args, func(rec model.ProgressRecord) {
					if jsonOut {
						_ = json.NewEncoder(a.stdout).Encode(rec)
						return
					}
					fmt.Fprintln(a.stdout, plainLine(rec))
				})
			}

			program := tea.NewProgram(newProgressModel("watching "+strings.Join(args, ", "), args...), tea.WithOutput(a.stdout), tea.WithContext(ctx))
			go func() {
				err := watchProgress(ctx, server, args, func(rec model.ProgressRecord) {
					program.Send(recordMsg(rec))
				})
				program.Send(finishedMsg{summary: "all resources finished", err: err})
			}()
			final, err := program.Run()
			if err != nil {
				return err
			}
			if m, ok := final.(progressModel); ok && m.err != nil {
				return m.err
			}
			return nil
		},
	}
	addServerFlag(cmd, &server)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print one JSON record per line")
	return cmd
}

func wsURL(server string) string {
	base := serverBase(server)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// watchProgress subscribes to ids and calls onRecord for every update. It
// returns once each id has reported a terminal status.
func watchProgress(ctx context.Context, server string, ids []string, onRecord func(model.ProgressRecord)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(server), nil)
	if err != nil {
		return fmt.Errorf("connect progress channel: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	pending := map[string]bool{}
	for _, id := range ids {
		pending[id] = true
		if err := conn.WriteJSON(model.ClientMessage{Type: model.MessageSubscribe, ResourceID: id}); err != nil {
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
	}

	last := map[string]model.ProgressRecord{}
	for len(pending) > 0 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("progress channel closed: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case model.MessageProgress:
			if !model.IsKnownStatus(msg.Status) {
				continue
			}
			rec := model.ProgressRecord{
				ResourceID: msg.ResourceID,
				Progress:   msg.Progress,
				Status:     msg.Status,
				Timestamp:  msg.Timestamp,
			}
			if msg.Phase != nil {
				rec.Phase = *msg.Phase
			}
			last[rec.ResourceID] = rec
			if rec.Status == model.StatusError {
				// The error frame follows with the message.
				continue
			}
			onRecord(rec)
			if model.IsTerminal(rec.Status) {
				delete(pending, rec.ResourceID)
			}
		case model.MessageError:
			rec := last[msg.ResourceID]
			rec.ResourceID = msg.ResourceID
			rec.Status = model.StatusError
			rec.Error = msg.Error
			onRecord(rec)
			delete(pending, msg.ResourceID)
		}
	}
	return nil
}
