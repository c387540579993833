package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/research/internal/domain"
)

var (
	historyLimit int
	eventTypes   []string
)

var historyCmd = &cobra.Command{
	Use:   "history <session_id>",
	Short: "Print the stored messages of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Messages []domain.Message `json:"messages"`
		}
		q := url.Values{"limit": {strconv.Itoa(historyLimit)}}
		if err := newAPI().getJSON(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0])+"/messages", q, &resp); err != nil {
			return err
		}
		for _, m := range resp.Messages {
			fmt.Printf("[%s] %s\n%s\n\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Role, m.Content)
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <run_id>",
	Short: "Print the trace events of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Events []domain.Event `json:"events"`
		}
		q := url.Values{}
		if len(eventTypes) > 0 {
			q.Set("types", strings.Join(eventTypes, ","))
		}
		if err := newAPI().getJSON(cmd.Context(), "/v1/runs/"+url.PathEscape(args[0])+"/events", q, &resp); err != nil {
			return err
		}
		printEvents(os.Stdout, resp.Events)
		return nil
	},
}

func printEvents(w io.Writer, events []domain.Event) {
	for _, ev := range events {
		fmt.Fprintf(w, "%d %-22s %s\n", ev.Ts, ev.Type, ev.Payload)
	}
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "maximum number of messages")
	eventsCmd.Flags().StringSliceVarP(&eventTypes, "type", "t", nil, "only these event types")
}
