package synth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrContextOpen is returned by CreateContext while a previous context is
// still current.
var ErrContextOpen = errors.New("synth: previous context still open")

// ErrNoContext is returned by SendText when no context is current.
var ErrNoContext = errors.New("synth: no current context")

// ErrReconnectExhausted is surfaced once the reconnect attempt cap is hit.
var ErrReconnectExhausted = errors.New("synth: reconnect attempts exhausted")

// Chunk is one opaque encoded audio buffer, tagged with its context and a
// monotonically increasing sequence position within that context.
type Chunk struct {
	Data      []byte
	Seq       int
	ContextID string
	Final     bool
}

// Config holds connection and voice parameters.
type Config struct {
	URL          string
	APIKey       string
	VoiceID      string
	ModelID      string
	MaxReconnect int
	// Backoff is the base reconnect delay; it doubles per attempt.
	Backoff time.Duration
	// KeepAlive is the idle probe period; KeepAliveGap is the minimum quiet
	// time after a real send before a probe may go out.
	KeepAlive    time.Duration
	KeepAliveGap time.Duration
}

// Events carries the client's outbound notifications, registered at
// construction.
type Events struct {
	// OnAudio receives every chunk belonging to the current context.
	OnAudio func(Chunk)
	// OnError receives terminal connection errors.
	OnError func(error)
}

// clientMessage is the client->server wire format.
type clientMessage struct {
	Text          string         `json:"text"`
	Flush         bool           `json:"flush,omitempty"`
	CloseContext  bool           `json:"close_context,omitempty"`
	ContextID     string         `json:"context_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	ModelID       string         `json:"model_id,omitempty"`
}

type voiceSettings struct {
	VoiceID         string  `json:"voice_id"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// serverMessage is the server->client wire format. Binary websocket frames
// are treated as raw audio for the current context.
type serverMessage struct {
	Audio     string `json:"audio,omitempty"`
	IsFinal   bool   `json:"is_final,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

const idleTimeoutCode = "idle_timeout"

type contextState struct {
	spoken string
	seq    int
	closed bool
}

// Client maintains one persistent streaming connection to the synthesis
// service and organizes its output into per-turn contexts.
type Client struct {
	cfg Config
	ev  Events

	mu       sync.Mutex
	conn     *websocket.Conn
	current  string
	contexts map[string]*contextState
	ctxSeq   int
	lastSend time.Time
	closed   bool
	stopCh   chan struct{}
}

func NewClient(cfg Config, ev Events) *Client {
	if cfg.MaxReconnect == 0 {
		cfg.MaxReconnect = 5
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 10 * time.Second
	}
	if cfg.KeepAliveGap == 0 {
		cfg.KeepAliveGap = 3 * time.Second
	}
	return &Client{
		cfg:      cfg,
		ev:       ev,
		contexts: make(map[string]*contextState),
		stopCh:   make(chan struct{}),
	}
}

// Connect dials the service, sends the voice configuration, and starts the
// read and keep-alive loops.
func (c *Client) Connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	go c.keepAliveLoop()
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := map[string][]string{}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = []string{"Bearer " + c.cfg.APIKey}
	}
	conn, resp, err := dialer.Dial(c.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			log.Printf("synth: dial failed with status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("synth: dial: %w", err)
	}
	init := clientMessage{
		Text:    "",
		ModelID: c.cfg.ModelID,
		VoiceSettings: &voiceSettings{
			VoiceID:         c.cfg.VoiceID,
			Stability:       0.4,
			SimilarityBoost: 0.7,
		},
	}
	if err := conn.WriteJSON(init); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("synth: init message: %w", err)
	}
	return conn, nil
}

// Close terminates the connection and stops the background loops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	close(c.stopCh)
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// CreateContext allocates a new context id and makes it current. A previous
// context must have been closed first.
func (c *Client) CreateContext() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != "" {
		return "", ErrContextOpen
	}
	// Prune contexts closed in previous turns; their spoken text has been
	// consumed by now.
	for id, st := range c.contexts {
		if st.closed {
			delete(c.contexts, id)
		}
	}
	c.ctxSeq++
	id := fmt.Sprintf("ctx-%d-%d", time.Now().UnixMilli(), c.ctxSeq)
	c.contexts[id] = &contextState{}
	c.current = id
	return id, nil
}

// SendText transmits a text increment on the current context and records it
// for display synchronization. final marks the last increment of the turn.
func (c *Client) SendText(text string, final bool) error {
	c.mu.Lock()
	if c.current == "" {
		c.mu.Unlock()
		return ErrNoContext
	}
	id := c.current
	if st := c.contexts[id]; st != nil {
		st.spoken += text
	}
	err := c.writeLocked(clientMessage{Text: text, Flush: final, ContextID: id})
	c.mu.Unlock()
	return err
}

// CloseContext sends the explicit close directive and removes the context
// from the pending set. Used both for normal turn completion and for
// barge-in cancellation.
func (c *Client) CloseContext(id string) error {
	c.mu.Lock()
	st, ok := c.contexts[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("synth: unknown context %q", id)
	}
	st.closed = true
	if c.current == id {
		c.current = ""
	}
	err := c.writeLocked(clientMessage{CloseContext: true, ContextID: id})
	c.mu.Unlock()
	return err
}

// CurrentContext returns the id of the current context, or "".
func (c *Client) CurrentContext() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SpokenText returns the text accumulated on a context so far. It remains
// available after CloseContext until the next turn begins.
func (c *Client) SpokenText(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.contexts[id]; ok {
		return st.spoken
	}
	return ""
}

func (c *Client) writeLocked(msg clientMessage) error {
	if c.conn == nil {
		return errors.New("synth: not connected")
	}
	c.lastSend = time.Now()
	return c.conn.WriteJSON(msg)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if msgType == websocket.BinaryMessage {
			c.deliver(data, c.CurrentContext(), false)
			continue
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("synth: bad server message: %v", err)
			continue
		}
		if msg.Error != "" {
			if msg.Code == idleTimeoutCode {
				log.Printf("synth: idle timeout from server, reconnecting")
				_ = conn.Close()
				c.handleDisconnect(conn, errors.New("idle timeout"))
				return
			}
			log.Printf("synth: server error: %s", msg.Error)
			continue
		}
		if msg.Audio == "" && !msg.IsFinal {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			log.Printf("synth: bad audio payload: %v", err)
			continue
		}
		c.deliverTagged(raw, msg.ContextID, msg.IsFinal)
	}
}

// deliverTagged routes a chunk carrying an explicit context tag. Chunks for
// a non-current context arrive when network audio outlives a barge-in and
// must be dropped, never enqueued.
func (c *Client) deliverTagged(raw []byte, ctxID string, final bool) {
	c.mu.Lock()
	if ctxID != c.current {
		c.mu.Unlock()
		log.Printf("synth: dropping %d bytes for stale context %s", len(raw), ctxID)
		return
	}
	c.mu.Unlock()
	c.deliver(raw, ctxID, final)
}

func (c *Client) deliver(raw []byte, ctxID string, final bool) {
	if ctxID == "" {
		return
	}
	c.mu.Lock()
	st, ok := c.contexts[ctxID]
	if !ok || st.closed {
		c.mu.Unlock()
		return
	}
	st.seq++
	seq := st.seq
	cb := c.ev.OnAudio
	c.mu.Unlock()
	if cb != nil && (len(raw) > 0 || final) {
		cb(Chunk{Data: raw, Seq: seq, ContextID: ctxID, Final: final})
	}
}

// handleDisconnect reconnects with bounded exponential backoff. Exceeding
// the cap surfaces a terminal error.
func (c *Client) handleDisconnect(old *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != old {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	log.Printf("synth: connection lost: %v", cause)

	delay := c.cfg.Backoff
	for attempt := 1; attempt <= c.cfg.MaxReconnect; attempt++ {
		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}
		conn, err := c.dial()
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = conn.Close()
				return
			}
			c.conn = conn
			c.mu.Unlock()
			log.Printf("synth: reconnected after %d attempt(s)", attempt)
			go c.readLoop(conn)
			return
		}
		log.Printf("synth: reconnect attempt %d/%d failed: %v", attempt, c.cfg.MaxReconnect, err)
		delay *= 2
	}
	if c.ev.OnError != nil {
		c.ev.OnError(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, c.cfg.MaxReconnect))
	}
}

// keepAliveLoop sends a blank probe while a turn is open and the connection
// has been quiet, so the provider's inactivity timeout does not fire
// mid-turn. A probe never follows a real send within KeepAliveGap.
func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.current != "" && c.conn != nil && time.Since(c.lastSend) >= c.cfg.KeepAliveGap {
				if err := c.writeLocked(clientMessage{Text: "", ContextID: c.current}); err != nil {
					log.Printf("synth: keep-alive failed: %v", err)
				}
			}
			c.mu.Unlock()
		}
	}
}
