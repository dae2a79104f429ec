// Package client connects the TUI to a tradebridge bridge server: one
// queued subscriber per category, single-use waits and the status API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tradebridge/tradebridge/internal/channel"
	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/queue"
	"github.com/tradebridge/tradebridge/internal/transport"
	"github.com/tradebridge/tradebridge/internal/transport/wsbridge"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Client issues Bubble Tea commands against one bridge server.
type Client struct {
	connector transport.Connector
	baseURL   string
	token     string
	http      *http.Client
}

// New creates a client for the bridge at baseURL (ws:// or http://).
func New(baseURL, token string) *Client {
	return &Client{
		connector: wsbridge.NewDialer(baseURL, token),
		baseURL:   HTTPBase(baseURL),
		token:     token,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// NewWithConnector is New with a custom connector, used by tests.
func NewWithConnector(c transport.Connector, baseURL, token string) *Client {
	cl := New(baseURL, token)
	cl.connector = c
	return cl
}

// --- Bubble Tea messages ---

// ConnectedMsg is sent when a category stream is subscribed.
type ConnectedMsg struct {
	Category envelope.Category
	Queue    *queue.Queue
}

// DisconnectedMsg is sent when a category stream ends.
type DisconnectedMsg struct {
	Category envelope.Category
	Err      error
}

// EventMsg delivers one envelope from a category stream.
type EventMsg struct {
	Category envelope.Category
	Event    envelope.Envelope
	At       time.Time
}

// WaitArmedMsg is sent once a wait's channel is subscribed. Events
// published from then on are seen by the wait.
type WaitArmedMsg struct {
	ID       int
	Category envelope.Category
	Key      string
	Value    string
	Channel  *channel.Channel
}

// WaitResultMsg reports the outcome of a single-use wait.
type WaitResultMsg struct {
	ID       int
	Category envelope.Category
	Key      string
	Value    string
	Event    envelope.Envelope
	Err      error
}

// StatusMsg delivers /api/status.
type StatusMsg struct {
	Status *wsbridge.Status
	Err    error
}

// Listen returns a command that subscribes to a category, retrying with
// backoff until it succeeds or ctx ends.
func (c *Client) Listen(ctx context.Context, category envelope.Category) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			sub, err := c.connector.Connect(category.ChannelName())
			if err == nil {
				return ConnectedMsg{Category: category, Queue: queue.New(sub)}
			}
			log.Printf("tui: subscribe %s: %v (retry in %v)", category, err, delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
		}
	}
}

// ReadLoop returns a command that delivers the next envelope of q. It
// should be reissued after every EventMsg.
func (c *Client) ReadLoop(ctx context.Context, category envelope.Category, q *queue.Queue) tea.Cmd {
	return func() tea.Msg {
		ev, err := q.Take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return DisconnectedMsg{Category: category, Err: err}
		}
		return EventMsg{Category: category, Event: ev, At: time.Now()}
	}
}

// Arm returns a command that subscribes a fresh channel on category for a
// key=value wait. It reports WaitArmedMsg, or a WaitResultMsg carrying the
// connect error.
func (c *Client) Arm(ctx context.Context, id int, category envelope.Category, key, value string) tea.Cmd {
	return func() tea.Msg {
		ch, err := channel.New(c.connector, category)
		if err == nil && ctx.Err() != nil {
			ch.Close()
			err = ctx.Err()
		}
		if err != nil {
			return WaitResultMsg{ID: id, Category: category, Key: key, Value: value, Err: err}
		}
		return WaitArmedMsg{ID: id, Category: category, Key: key, Value: value, Channel: ch}
	}
}

// Wait returns a command that blocks on an armed channel until an envelope
// matches, then closes the channel.
func (c *Client) Wait(ctx context.Context, armed WaitArmedMsg) tea.Cmd {
	return func() tea.Msg {
		res := WaitResultMsg{ID: armed.ID, Category: armed.Category, Key: armed.Key, Value: armed.Value}
		defer armed.Channel.Close()
		res.Event, res.Err = armed.Channel.Wait(ctx, ValueMatcher(armed.Key, armed.Value))
		return res
	}
}

// ValueMatcher matches envelopes whose key equals a prompt value. A string
// field is compared with the value's text, surrounding quotes removed, so
// 123456 matches "123456". Other fields are compared with the value parsed
// as a JSON scalar, so 2 matches 2.0.
func ValueMatcher(key, value string) func(envelope.Envelope) bool {
	value = strings.TrimSpace(value)
	text := value
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		if u, err := strconv.Unquote(value); err == nil {
			text = u
		}
	}
	parsed := ParseValue(value)
	return func(ev envelope.Envelope) bool {
		v, ok := ev.Get(key)
		if !ok {
			return false
		}
		if s, isString := v.(string); isString {
			return s == text
		}
		return envelope.Equal(v, parsed)
	}
}

// ParseValue interprets a prompt value as a JSON scalar when it is one and
// as a plain string otherwise.
func ParseValue(s string) any {
	s = strings.TrimSpace(s)
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		switch v.(type) {
		case float64, bool, string:
			return v
		}
	}
	return s
}

// ParseWait splits a "key=value" prompt.
func ParseWait(input string) (key, value string, err error) {
	key, value, ok := strings.Cut(input, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", fmt.Errorf("expected key=value, got %q", input)
	}
	return key, strings.TrimSpace(value), nil
}

// FetchStatus returns a command that fetches /api/status.
func (c *Client) FetchStatus() tea.Cmd {
	return func() tea.Msg {
		var st wsbridge.Status
		if err := c.get("/api/status", &st); err != nil {
			return StatusMsg{Err: err}
		}
		return StatusMsg{Status: &st}
	}
}

func (c *Client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPBase converts ws://host:port/... to http://host:port.
func HTTPBase(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "http://127.0.0.1:8090"
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}
