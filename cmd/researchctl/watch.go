package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/hub"
)

var watchCmd = &cobra.Command{
	Use:   "watch <session_id>",
	Short: "Follow the runs of a session as they stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := newAPI().watchURL(args[0])
		if err != nil {
			return err
		}
		conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), u, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", u, err)
		}
		defer conn.Close()

		go func() {
			<-cmd.Context().Done()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) || cmd.Context().Err() != nil {
					return nil
				}
				return err
			}
			var msg hub.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				fmt.Fprintf(os.Stderr, "bad message: %v\n", err)
				continue
			}
			printWatchMessage(msg)
		}
	},
}

func printWatchMessage(msg hub.Message) {
	switch msg.Type {
	case hub.TypeHelloAck:
		fmt.Fprintf(os.Stderr, "watching session %s\n", msg.SessionID)
	case hub.TypeRunStarted:
		fmt.Fprintf(os.Stderr, "\n--- run %s started\n", msg.RunID)
	case hub.TypeRunEnded:
		line := fmt.Sprintf("\n--- run %s ended: %s", msg.RunID, msg.Status)
		if msg.Error != "" {
			line += " (" + msg.Error + ")"
		}
		fmt.Fprintln(os.Stderr, line)
	case hub.TypeFrame:
		if msg.Frame != nil && msg.Frame.Kind == domain.FrameKindText {
			fmt.Print(msg.Frame.Text)
		}
	}
}
