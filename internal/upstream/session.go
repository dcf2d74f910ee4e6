package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

const (
	defaultSetupTimeout = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	closeWriteTimeout   = time.Second
)

var (
	ErrSetupRejected = errors.New("upstream rejected setup")
	ErrSetupTimeout  = errors.New("upstream setup timed out")
	ErrRecvTimeout   = errors.New("upstream receive timed out")
	ErrProtocol      = errors.New("upstream protocol violation")
	ErrClosed        = errors.New("upstream session closed")
)

// reservedSetupKeys are owned by the relay and never taken from the client.
var reservedSetupKeys = map[string]struct{}{
	"model":              {},
	"tools":              {},
	"system_instruction": {},
	"systemInstruction":  {},
	"user_id":            {},
}

type Config struct {
	URL    string
	APIKey string
	// SetupTimeout bounds dial plus the wait for setupComplete.
	SetupTimeout time.Duration
	// RecvTimeout ends the event sequence after this long without a frame.
	// Zero disables it.
	RecvTimeout  time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

// Setup is what the relay declares once per session.
type Setup struct {
	Model             string
	SystemInstruction string
	Tools             []*genai.Tool
	Passthrough       map[string]json.RawMessage
}

// Outbound is a client-originated upstream message: RealtimeAudio or
// ToolResponse.
type Outbound interface {
	isOutbound()
}

type RealtimeAudio struct {
	MimeType string
	Data     string
}

type ToolResponse struct {
	Responses []*genai.FunctionResponse
}

func (RealtimeAudio) isOutbound() {}
func (ToolResponse) isOutbound()  {}

type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputFrame struct {
	RealtimeInput struct {
		MediaChunks []mediaChunk `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type toolResponseFrame struct {
	ToolResponse struct {
		FunctionResponses []*genai.FunctionResponse `json:"functionResponses"`
	} `json:"toolResponse"`
}

// Session is one live model connection. Send is safe for concurrent use;
// Events must be consumed by a single goroutine.
type Session struct {
	conn         *websocket.Conn
	recvTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects, sends the setup frame and blocks until the upstream
// acknowledges it. Any failure here is final; callers do not retry.
func Dial(ctx context.Context, cfg Config, setup Setup) (*Session, error) {
	setupTimeout := cfg.SetupTimeout
	if setupTimeout <= 0 {
		setupTimeout = defaultSetupTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: setupTimeout}
	}

	endpoint, err := endpointURL(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	payload, err := setupFrame(setup)
	if err != nil {
		return nil, err
	}

	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(setupCtx, endpoint, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if setupCtx.Err() != nil {
			return nil, fmt.Errorf("%w: dial: %v", ErrSetupTimeout, err)
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: dial failed (%s): %v", ErrSetupRejected, resp.Status, err)
		}
		return nil, fmt.Errorf("%w: dial failed: %v", ErrSetupRejected, err)
	}

	// Closing the conn is the only way to unblock a pending read.
	stop := context.AfterFunc(setupCtx, func() { _ = conn.Close() })
	ackErr := handshake(conn, payload, setupTimeout, writeTimeout)
	if !stop() {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrSetupTimeout
	}
	if ackErr != nil {
		_ = conn.Close()
		return nil, ackErr
	}

	s := &Session{
		conn:         conn,
		recvTimeout:  cfg.RecvTimeout,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

func handshake(conn *websocket.Conn, payload []byte, setupTimeout, writeTimeout time.Duration) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: write setup: %v", ErrSetupRejected, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(setupTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrSetupTimeout
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return fmt.Errorf("%w: closed with %d %s", ErrSetupRejected, closeErr.Code, closeErr.Text)
		}
		return fmt.Errorf("%w: %v", ErrSetupRejected, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.SetupComplete == nil {
		return fmt.Errorf("%w: expected setupComplete, got %s", ErrSetupRejected, truncate(data, 200))
	}
	return nil
}

func endpointURL(raw, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid upstream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid upstream url scheme %q", u.Scheme)
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func setupFrame(setup Setup) ([]byte, error) {
	body := make(map[string]any, len(setup.Passthrough)+3)
	for k, v := range setup.Passthrough {
		if _, reserved := reservedSetupKeys[k]; reserved {
			continue
		}
		body[k] = v
	}
	body["model"] = setup.Model
	if setup.SystemInstruction != "" {
		body["systemInstruction"] = &genai.Content{Parts: []*genai.Part{{Text: setup.SystemInstruction}}}
	}
	if len(setup.Tools) > 0 {
		body["tools"] = setup.Tools
	}
	return json.Marshal(map[string]any{"setup": body})
}

func (s *Session) SendAudio(ctx context.Context, mimeType, data string) error {
	return s.Send(ctx, RealtimeAudio{MimeType: mimeType, Data: data})
}

func (s *Session) SendToolResponse(ctx context.Context, responses []*genai.FunctionResponse) error {
	return s.Send(ctx, ToolResponse{Responses: responses})
}

// Send writes one message. Concurrent callers are serialized so frames never
// interleave on the wire.
func (s *Session) Send(ctx context.Context, msg Outbound) error {
	var frame any
	switch m := msg.(type) {
	case RealtimeAudio:
		var f realtimeInputFrame
		f.RealtimeInput.MediaChunks = []mediaChunk{{MimeType: m.MimeType, Data: m.Data}}
		frame = f
	case ToolResponse:
		var f toolResponseFrame
		f.ToolResponse.FunctionResponses = m.Responses
		frame = f
	default:
		return fmt.Errorf("unsupported outbound message %T", msg)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("upstream write: %w", err)
	}
	return nil
}

// Events yields upstream events until the connection closes, a frame fails
// to parse, or RecvTimeout elapses. The cause is available from Err once the
// sequence has ended.
func (s *Session) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			if s.recvTimeout > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(s.recvTimeout))
			}
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				s.finish(err)
				return
			}
			ev, err := parseServerMessage(data)
			if err != nil {
				s.setErr(fmt.Errorf("%w: %v", ErrProtocol, err))
				return
			}
			if ev == nil {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Err reports why the event sequence ended. Normal closure, including a
// local Close, reports nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) finish(err error) {
	select {
	case <-s.closed:
		return
	default:
	}
	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return
	case errors.As(err, &netErr) && netErr.Timeout():
		s.setErr(ErrRecvTimeout)
	default:
		s.setErr(err)
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close is idempotent and safe to call from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout),
		)
		err = s.conn.Close()
	})
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
