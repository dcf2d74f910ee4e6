package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	scribePath         = "/v1/speech-to-text/realtime"
	scribeWriteTimeout = 5 * time.Second
	defaultSampleRate  = 16000
)

// Scribe errors after which a fresh stream is worth trying.
var retryableScribeErrors = map[string]bool{
	"rate_limited":                true,
	"queue_overflow":              true,
	"resource_exhausted":          true,
	"session_time_limit_exceeded": true,
}

type ElevenLabsConfig struct {
	APIKey     string
	WSBaseURL  string
	STTModelID string
	// CommitStrategy is "vad" (server-side end of speech) or "manual".
	CommitStrategy string
}

// ElevenLabsTranscriber streams audio to the Scribe realtime endpoint.
type ElevenLabsTranscriber struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsTranscriber(cfg ElevenLabsConfig) *ElevenLabsTranscriber {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v2_realtime"
	}
	if strings.TrimSpace(cfg.CommitStrategy) == "" {
		cfg.CommitStrategy = "vad"
	}
	return &ElevenLabsTranscriber{cfg: cfg, dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

func (t *ElevenLabsTranscriber) Open(ctx context.Context, _ string) (Stream, <-chan Event, error) {
	u, err := url.Parse(strings.TrimRight(t.cfg.WSBaseURL, "/") + scribePath)
	if err != nil {
		return nil, nil, fmt.Errorf("scribe url: %w", err)
	}
	u.RawQuery = url.Values{
		"model_id":        {t.cfg.STTModelID},
		"commit_strategy": {t.cfg.CommitStrategy},
	}.Encode()

	conn, _, err := t.dialer.DialContext(ctx, u.String(), http.Header{"xi-api-key": {t.cfg.APIKey}})
	if err != nil {
		return nil, nil, fmt.Errorf("dial scribe: %w", err)
	}
	s := &scribeStream{conn: conn, events: make(chan Event, 256), done: make(chan struct{})}
	go s.readLoop()
	return s, s.events, nil
}

type scribeChunk struct {
	MessageType string `json:"message_type"`
	Audio       string `json:"audio_base_64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
}

type scribeMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	Error       string `json:"error"`
}

type scribeStream struct {
	conn   *websocket.Conn
	wmu    sync.Mutex
	once   sync.Once
	done   chan struct{}
	events chan Event
}

func (s *scribeStream) Write(_ context.Context, audioBase64 string, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(scribeWriteTimeout))
	return s.conn.WriteJSON(scribeChunk{
		MessageType: "input_audio_chunk",
		Audio:       audioBase64,
		SampleRate:  sampleRate,
	})
}

// readLoop is the only sender on events and closes it on exit.
func (s *scribeStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, ok := decodeScribeMessage(data)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func decodeScribeMessage(data []byte) (Event, bool) {
	var msg scribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false
	}
	switch msg.MessageType {
	case "partial_transcript":
		return Event{Kind: KindPartial, Text: msg.Text}, true
	case "committed_transcript", "committed_transcript_with_timestamps":
		return Event{Kind: KindCommitted, Text: msg.Text}, true
	case "", "session_started", "input_audio_chunk":
		return Event{}, false
	}
	return Event{
		Kind:      KindError,
		Code:      msg.MessageType,
		Detail:    msg.Error,
		Retryable: retryableScribeErrors[msg.MessageType],
	}, true
}

func (s *scribeStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
