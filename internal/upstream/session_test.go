package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeUpstream struct {
	t       *testing.T
	srv     *httptest.Server
	handler func(conn *websocket.Conn)

	mu       sync.Mutex
	setup    map[string]any
	rawQuery string
}

func newFakeUpstream(t *testing.T, handler func(conn *websocket.Conn)) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{t: t, handler: handler}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.mu.Lock()
		f.rawQuery = r.URL.RawQuery
		f.mu.Unlock()

		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		f.mu.Lock()
		f.setup, _ = frame["setup"].(map[string]any)
		f.mu.Unlock()
		f.handler(conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeUpstream) setupFrame() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setup
}

func ack(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
}

func testSetup() Setup {
	return Setup{
		Model:             "models/test",
		SystemInstruction: "You MUST use query_docs for all answers.",
		Tools: []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name: "query_docs",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: map[string]*genai.Schema{"query": {Type: genai.TypeString}},
				Required:   []string{"query"},
			},
		}}}},
		Passthrough: map[string]json.RawMessage{
			"generation_config": json.RawMessage(`{"response_modalities":["AUDIO"]}`),
			"model":             json.RawMessage(`"models/hijack"`),
		},
	}
}

func TestDialSendsSetupAndWaitsForAck(t *testing.T) {
	done := make(chan struct{})
	f := newFakeUpstream(t, func(conn *websocket.Conn) {
		ack(conn)
		<-done
	})
	defer close(done)

	s, err := Dial(context.Background(), Config{URL: f.url(), APIKey: "k1", SetupTimeout: 2 * time.Second}, testSetup())
	require.NoError(t, err)
	defer s.Close()

	setup := f.setupFrame()
	require.NotNil(t, setup)
	assert.Equal(t, "models/test", setup["model"])
	assert.Contains(t, setup, "generation_config")
	assert.Contains(t, setup, "systemInstruction")
	tools, ok := setup["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, 1)

	f.mu.Lock()
	assert.Equal(t, "key=k1", f.rawQuery)
	f.mu.Unlock()
}

func TestDialRejectedWhenUpstreamClosesBeforeAck(t *testing.T) {
	f := newFakeUpstream(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad model"))
	})

	_, err := Dial(context.Background(), Config{URL: f.url(), SetupTimeout: 2 * time.Second}, testSetup())
	require.ErrorIs(t, err, ErrSetupRejected)
	assert.Contains(t, err.Error(), "bad model")
}

func TestDialRejectedOnUnexpectedFrame(t *testing.T) {
	f := newFakeUpstream(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
	})

	_, err := Dial(context.Background(), Config{URL: f.url(), SetupTimeout: 2 * time.Second}, testSetup())
	require.ErrorIs(t, err, ErrSetupRejected)
}

func TestDialTimesOutWithoutAck(t *testing.T) {
	done := make(chan struct{})
	f := newFakeUpstream(t, func(conn *websocket.Conn) { <-done })
	defer close(done)

	start := time.Now()
	_, err := Dial(context.Background(), Config{URL: f.url(), SetupTimeout: 150 * time.Millisecond}, testSetup())
	require.ErrorIs(t, err, ErrSetupTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEventsStreamUntilClose(t *testing.T) {
	f := newFakeUpstream(t, func(conn *websocket.Conn) {
		ack(conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"modelTurn":{"parts":[{"text":"Hello"}]}}}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte(`{"toolCall":{"functionCalls":[{"id":"c1","name":"query_docs","args":{"query":"q"}}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"usageMetadata":{"totalTokenCount":3}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	s, err := Dial(context.Background(), Config{URL: f.url(), SetupTimeout: 2 * time.Second}, testSetup())
	require.NoError(t, err)
	defer s.Close()

	var events []Event
	for ev := range s.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	assert.Equal(t, ServerContent{Parts: []Part{TextPart{Text: "Hello"}}}, events[0])

	tc, ok := events[1].(ToolCall)
	require.True(t, ok)
	require.Len(t, tc.Calls, 1)
	assert.Equal(t, "c1", tc.Calls[0].ID)
	assert.Equal(t, "q", tc.Calls[0].Args["query"])

	assert.Equal(t, ServerContent{TurnComplete: true}, events[2])
	assert.NoError(t, s.Err())
}

func TestEventsEndOnProtocolViolation(t *testing.T) {
	done := make(chan struct{})
	f := newFakeUpstream(t, func(conn *websocket.Conn) {
		ack(conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		<-done
	})
	defer close(done)

	s, err := Dial(context.Background(), Config{URL: f.url(), SetupTimeout: 2 * time.Second}, testSetup())
	require.NoError(t, err)
	defer s.Close()

	count := 0
	for range s.Events() {
		count++
	}
	assert.Zero(t, count)
	require.ErrorIs(t, s.Err(), ErrProtocol)
}

func TestEventsRecvTimeout(t *testing.T) {
	done := make(chan struct{})
	f := newFakeUpstream(t, func(conn *websocket.Conn) {
		ack(conn)
		<-done
	})
	defer close(done)

	s, err := Dial(context.Background(), Config{URL: f.url(), SetupTimeout: 2 * time.Second, RecvTimeout: 100 * time.Millisecond}, testSetup())
	require.NoError(t, err)
	defer s.Close()

	for range s.Events() {
	}
	require.ErrorIs(t, s.Err(), ErrRecvTimeout)
}

func TestSendSerializesAndCloseIsIdempotent(t *testing.T) {
	received := make(chan map[string]any, 64)
	f := newFakeUpstream(t, func(conn *websocket.Conn) {
		ack(conn)
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				close(received)
				return
			}
			received <- msg
		}
	})

	s, err := Dial(context.Background(), Config{URL: f.url(), SetupTimeout: 2 * time.Second}, testSetup())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.SendAudio(context.Background(), "audio/pcm", "AQID"))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, s.SendToolResponse(context.Background(), []*genai.FunctionResponse{{
				ID: "c1", Name: "query_docs", Response: map[string]any{"result": "ok"},
			}}))
		}()
	}
	wg.Wait()

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.SendAudio(context.Background(), "audio/pcm", "AQID"), ErrClosed)

	audio, tool := 0, 0
	for msg := range received {
		switch {
		case msg["realtimeInput"] != nil:
			audio++
		case msg["toolResponse"] != nil:
			tool++
		}
	}
	assert.Equal(t, 10, audio)
	assert.Equal(t, 10, tool)
}

func TestContextCancelClosesSession(t *testing.T) {
	done := make(chan struct{})
	f := newFakeUpstream(t, func(conn *websocket.Conn) {
		ack(conn)
		<-done
	})
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := Dial(ctx, Config{URL: f.url(), SetupTimeout: 2 * time.Second}, testSetup())
	require.NoError(t, err)

	ended := make(chan struct{})
	go func() {
		for range s.Events() {
		}
		close(ended)
	}()
	cancel()

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("events did not end after context cancel")
	}
	assert.NoError(t, s.Err())
}
