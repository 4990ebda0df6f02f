package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/transport/ws"
)

func newChatCommand() *cobra.Command {
	var addr, apiKey, sessionID, user string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running turn router over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connecting to %s...\n", addr)

			client, err := dialChat(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Hello(apiKey, sessionID, user); err != nil {
				return err
			}
			fmt.Fprintf(out, "Session established: %s\n", client.sessionID)
			fmt.Fprintln(out, "Type a message and press Enter to send. /quit to exit.")

			return client.Loop(cmd.InOrStdin(), out)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:8080/ws", "WebSocket server address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for authentication")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume this session")
	cmd.Flags().StringVar(&user, "user", "", "owner id for a new session")
	return cmd
}

var errConnectionLost = errors.New("connection lost")

// chatClient is a synchronous WebSocket chat client.
type chatClient struct {
	conn      *websocket.Conn
	sessionID string
	seq       int
}

func dialChat(addr string) (*chatClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &chatClient{conn: conn}, nil
}

func (c *chatClient) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// frame is the union of every server message.
type frame struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id"`
	RequestID string             `json:"request_id"`
	Code      string             `json:"code"`
	Message   string             `json:"message"`
	Data      string             `json:"data"`
	Result    *domain.TurnResult `json:"result"`
}

func (c *chatClient) read() (frame, error) {
	var f frame
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("unmarshal %s: %w", data, err)
	}
	return f, nil
}

// Hello sends hello and waits for hello_ack.
func (c *chatClient) Hello(apiKey, sessionID, user string) error {
	msg := ws.HelloMessage{
		BaseMessage: ws.BaseMessage{
			Type:      ws.TypeHello,
			Ts:        time.Now().UnixMilli(),
			SessionID: sessionID,
		},
		UserID: user,
		APIKey: apiKey,
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	f, err := c.read()
	if err != nil {
		return fmt.Errorf("read hello_ack: %w", err)
	}
	switch f.Type {
	case ws.TypeHelloAck:
		c.sessionID = f.SessionID
		return nil
	case ws.TypeError:
		return fmt.Errorf("hello failed: %s - %s", f.Code, f.Message)
	default:
		return fmt.Errorf("expected hello_ack, got: %s", f.Type)
	}
}

// Turn sends one message and prints the streamed answer to out.
func (c *chatClient) Turn(message string, out io.Writer) (*domain.TurnResult, error) {
	c.seq++
	requestID := fmt.Sprintf("req_%d", c.seq)
	msg := ws.TurnMessage{
		BaseMessage: ws.BaseMessage{
			Type:      ws.TypeTurn,
			Ts:        time.Now().UnixMilli(),
			RequestID: requestID,
			SessionID: c.sessionID,
		},
		Message: message,
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("%w: %w", errConnectionLost, err)
	}

	var result *domain.TurnResult
	for {
		f, err := c.read()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errConnectionLost, err)
		}
		// Protocol errors carry a code; turn error events do not.
		if f.Type == ws.TypeError && f.Code != "" {
			return nil, fmt.Errorf("%s: %s", f.Code, f.Message)
		}
		switch domain.EventType(f.Type) {
		case domain.EventTypeToken:
			fmt.Fprint(out, f.Data)
		case domain.EventTypeComplete, domain.EventTypeError:
			result = f.Result
		case domain.EventTypeEnd:
			fmt.Fprintln(out)
			return result, nil
		}
	}
}

// Loop reads lines from in until EOF or /quit.
func (c *chatClient) Loop(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" {
			fmt.Fprintln(out, "Bye!")
			return nil
		}

		res, err := c.Turn(input, out)
		if errors.Is(err, errConnectionLost) {
			return err
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if res != nil && res.Capability != "" {
			fmt.Fprintf(out, "  [%s]\n", res.Capability)
		}
		if res != nil && res.Warning != "" {
			fmt.Fprintf(out, "  warning: %s\n", res.Warning)
		}
	}
}
