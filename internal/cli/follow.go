package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"agent-sync/internal/client"
	"agent-sync/internal/timeline"
)

// NewFollowCmd streams agent timelines until interrupted.
func NewFollowCmd(opts *Options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "follow AGENT_ID...",
		Short: "Catch up on agent timelines and stream live updates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, logger, err := newClient(opts)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort

			for _, id := range args {
				if err := c.Follow(id); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case ev := <-c.Events():
						printEvent(out, ev, asJSON)
					}
				}
			}()

			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON lines")
	return cmd
}

type jsonEntry struct {
	AgentID string         `json:"agentId"`
	Epoch   string         `json:"epoch"`
	Entry   timeline.Entry `json:"entry"`
}

func printEvent(out io.Writer, ev client.Event, asJSON bool) {
	switch ev.Kind {
	case client.EventSynced, client.EventUpdate:
		if ev.Reset {
			fmt.Fprintf(out, "[%s] timeline reset, epoch %s\n", ev.AgentID, ev.Cursor.Epoch)
		}
		for _, e := range ev.Entries {
			if asJSON {
				data, err := json.Marshal(jsonEntry{AgentID: ev.AgentID, Epoch: ev.Cursor.Epoch, Entry: e})
				if err == nil {
					fmt.Fprintln(out, string(data))
				}
				continue
			}
			fmt.Fprintf(out, "[%s] #%d %s\n", ev.AgentID, e.Seq, FormatItem(e.Item))
		}
	case client.EventError:
		fmt.Fprintf(out, "[%s] sync error: %v\n", ev.AgentID, ev.Err)
	case client.EventDisconnected:
		fmt.Fprintf(out, "disconnected: %v\n", ev.Err)
	}
}

// FormatItem renders one timeline item on a single line.
func FormatItem(it timeline.Item) string {
	switch it.Type {
	case timeline.ItemUserMessage:
		return "user: " + oneLine(it.Text)
	case timeline.ItemAssistantMessage:
		return "assistant: " + oneLine(it.Text)
	case timeline.ItemReasoning:
		return "thinking: " + oneLine(it.Text)
	case timeline.ItemError:
		return "error: " + oneLine(it.Message)
	case timeline.ItemToolCall:
		s := fmt.Sprintf("tool %s [%s] %s", it.Name, it.Status, it.CallID)
		if it.Detail != nil {
			s += " " + string(it.Detail.Kind())
		}
		if it.Error != "" {
			s += ": " + oneLine(it.Error)
		}
		return s
	}
	return "(" + string(it.Type) + ")"
}

const maxLine = 160

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxLine {
		return string(r[:maxLine-1]) + "…"
	}
	return s
}
