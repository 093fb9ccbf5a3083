// Command loqa-ask is a small websocket client for poking at a running
// gateway from a terminal.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-gateway/internal/orchestrator"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
)

var version = "0.1.0-dev"

var (
	gatewayURL string
	timeout    time.Duration
	audioDir   string
)

var rootCmd = &cobra.Command{
	Use:           "loqa-ask",
	Short:         "Talk to a loqa-gateway over its websocket protocol",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var askCmd = &cobra.Command{
	Use:   "ask <text>",
	Short: "Send a query as a browser client and print the frames it produces",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := dial("browser")
		if err != nil {
			return err
		}
		defer ws.Close()

		id := orchestrator.NewQueryID()
		if err := ws.WriteJSON(protocol.Inbound{Type: protocol.TypeQuery, MsgID: id, Text: args[0]}); err != nil {
			return fmt.Errorf("send query: %w", err)
		}
		return printUntilTiming(cmd.OutOrStdout(), ws, id)
	},
}

var vfxCmd = &cobra.Command{
	Use:   "vfx <name>",
	Short: "Ask the game engine clients to play a visual effect",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := dial("browser")
		if err != nil {
			return err
		}
		defer ws.Close()

		if err := ws.WriteJSON(protocol.Inbound{Type: protocol.TypePlayVFX, VFX: args[0]}); err != nil {
			return fmt.Errorf("send vfx: %w", err)
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", args[0])
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect as the game engine client and save every audio chunk",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(audioDir, 0o755); err != nil {
			return err
		}
		ws, err := dial("unity")
		if err != nil {
			return err
		}
		defer ws.Close()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigs
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
		}()
		return saveAudio(cmd.OutOrStdout(), ws, audioDir)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", "ws://localhost:8080/", "Gateway websocket URL")
	askCmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "How long to wait for the reply")
	listenCmd.Flags().StringVar(&audioDir, "audio-dir", "audio", "Directory for received WAV chunks")
	rootCmd.AddCommand(askCmd, vfxCmd, listenCmd, versionCmd)
}

func dial(role string) (*websocket.Conn, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("role", role)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return ws, nil
}

// printUntilTiming echoes the text frames of query id until its synthesis
// timing frame or an error frame arrives.
func printUntilTiming(w io.Writer, ws *websocket.Conn, id string) error {
	deadline := time.Now().Add(timeout)
	for {
		_ = ws.SetReadDeadline(deadline)
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var head struct {
			Type  string `json:"type"`
			MsgID string `json:"msgId"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &head); err != nil || head.MsgID != id {
			continue
		}
		fmt.Fprintln(w, string(data))
		switch head.Type {
		case protocol.TypeTTSElapsed:
			return nil
		case protocol.TypeError:
			return fmt.Errorf("gateway error: %s", head.Error)
		}
	}
}

func saveAudio(w io.Writer, ws *websocket.Conn, dir string) error {
	n := 0
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		switch mt {
		case websocket.BinaryMessage:
			path := filepath.Join(dir, fmt.Sprintf("chunk-%05d.wav", n))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			n++
			fmt.Fprintf(w, "saved %s (%d bytes)\n", path, len(data))
		case websocket.TextMessage:
			fmt.Fprintln(w, string(data))
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
