package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"mime"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/ent0n29/doctalk/internal/ingest"
	"github.com/ent0n29/doctalk/internal/observability"
	"github.com/ent0n29/doctalk/internal/protocol"
	"github.com/ent0n29/doctalk/internal/session"
	"github.com/ent0n29/doctalk/internal/tools"
	"github.com/ent0n29/doctalk/internal/upstream"
	"github.com/ent0n29/doctalk/internal/voice"
)

const (
	defaultSendTimeout        = 5 * time.Second
	defaultClientSetupTimeout = 30 * time.Second
	defaultIngestQueueSize    = 8
	toolCallQueueSize         = 8
	defaultSampleRate         = 16000
	sttAudioQueueSize         = 64

	codeOutputPrefix = "[code output] "
)

var (
	ErrClientSetupTimeout = errors.New("client did not send setup in time")

	errClientGone = errors.New("client disconnected before setup")
)

// Upstream is the model side of one session.
type Upstream interface {
	SendAudio(ctx context.Context, mimeType, data string) error
	SendToolResponse(ctx context.Context, responses []*genai.FunctionResponse) error
	Events() iter.Seq[upstream.Event]
	Err() error
	Close() error
}

// Dialer opens and sets up an upstream session. The session must be
// closed when ctx is cancelled.
type Dialer func(ctx context.Context, setup upstream.Setup) (Upstream, error)

type ToolInvoker interface {
	Invoke(ctx context.Context, call tools.Call, userID string) tools.Result
	Declarations() []*genai.Tool
}

type Ingestor interface {
	Ingest(ctx context.Context, doc ingest.Document) (ingest.Result, error)
}

// Tracker receives lifecycle updates for the session being relayed.
type Tracker interface {
	ID() string
	SetUser(userID string)
	SetState(state session.State)
	Touch()
}

type Config struct {
	Model              string
	SystemInstruction  string
	ClientSetupTimeout time.Duration
	IngestTimeout      time.Duration
	IngestQueueSize    int
	// SendTimeout bounds how long a frame waits for the client writer
	// before it is dropped.
	SendTimeout time.Duration
}

type Deps struct {
	Config  Config
	Dial    Dialer
	Tools   ToolInvoker
	Ingest  Ingestor
	STT     voice.Transcriber
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Relay holds the process-wide collaborators. Each Run is one session.
type Relay struct {
	cfg     Config
	dial    Dialer
	tools   ToolInvoker
	ingest  Ingestor
	stt     voice.Transcriber
	metrics *observability.Metrics
	log     *zap.Logger
}

func New(d Deps) *Relay {
	cfg := d.Config
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.ClientSetupTimeout <= 0 {
		cfg.ClientSetupTimeout = defaultClientSetupTimeout
	}
	if cfg.IngestQueueSize <= 0 {
		cfg.IngestQueueSize = defaultIngestQueueSize
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		cfg:     cfg,
		dial:    d.Dial,
		tools:   d.Tools,
		ingest:  d.Ingest,
		stt:     d.STT,
		metrics: d.Metrics,
		log:     log,
	}
}

type conn struct {
	r          *Relay
	tracker    Tracker
	userID     string
	log        *zap.Logger
	out        chan<- any
	up         Upstream
	transcript *TranscriptBuffer
	docs       chan ingest.Document
	toolCalls  chan []protocol.ToolCall
	sttAudio   chan protocol.AudioChunk
	// turnStart is the unix-nano time of the first audio of the open turn.
	turnStart atomic.Int64
}

// Run relays one client connection. inbound carries raw client frames and
// is closed when the client goes away; outbound receives server frames and
// is never closed by Run. The first frame must be the setup frame.
func (r *Relay) Run(ctx context.Context, tracker Tracker, inbound <-chan []byte, outbound chan<- any) error {
	c := &conn{
		r:          r,
		tracker:    tracker,
		log:        r.log.With(zap.String("session_id", tracker.ID())),
		out:        outbound,
		transcript: &TranscriptBuffer{},
	}
	tracker.SetState(session.StateAwaitingSetup)
	defer tracker.SetState(session.StateClosed)

	setup, err := c.awaitSetup(ctx, inbound)
	if errors.Is(err, errClientGone) {
		return nil
	}
	if err != nil {
		return err
	}
	c.userID = setup.UserID
	c.log = c.log.With(zap.String("user_id", c.userID))
	tracker.SetUser(c.userID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker.SetState(session.StateHandshaking)
	start := time.Now()
	up, err := r.dial(ctx, upstream.Setup{
		Model:             r.cfg.Model,
		SystemInstruction: r.cfg.SystemInstruction,
		Tools:             r.tools.Declarations(),
		Passthrough:       setup.Passthrough,
	})
	if err != nil {
		code := protocol.CodeUpstreamUnavailable
		if errors.Is(err, upstream.ErrSetupTimeout) {
			code = protocol.CodeSetupTimeout
		}
		c.log.Warn("upstream handshake failed", zap.Error(err))
		c.sendError(ctx, "upstream unavailable: "+err.Error(), code)
		return fmt.Errorf("upstream handshake: %w", err)
	}
	c.up = up
	if r.metrics != nil {
		r.metrics.ObserveStage(observability.StageUpstreamHandshake, time.Since(start))
	}

	tracker.SetState(session.StateActive)
	c.log.Info("session active", zap.Duration("handshake", time.Since(start)))

	err = c.runActive(ctx, cancel, inbound)

	tracker.SetState(session.StateClosing)
	_ = up.Close()
	if err != nil {
		c.log.Warn("session ended", zap.Error(err))
	} else {
		c.log.Info("session ended")
	}
	return err
}

func (c *conn) awaitSetup(ctx context.Context, inbound <-chan []byte) (protocol.Setup, error) {
	timer := time.NewTimer(c.r.cfg.ClientSetupTimeout)
	defer timer.Stop()

	var raw []byte
	select {
	case <-ctx.Done():
		return protocol.Setup{}, ctx.Err()
	case <-timer.C:
		c.sendError(ctx, ErrClientSetupTimeout.Error(), protocol.CodeSetupTimeout)
		return protocol.Setup{}, ErrClientSetupTimeout
	case msg, ok := <-inbound:
		if !ok {
			return protocol.Setup{}, errClientGone
		}
		raw = msg
	}
	c.tracker.Touch()

	setup, err := protocol.ParseSetup(raw)
	if err != nil {
		code := protocol.CodeInvalidClientMessage
		if errors.Is(err, protocol.ErrMissingUserID) {
			code = protocol.CodeMissingUserID
		}
		c.sendError(ctx, err.Error(), code)
		return protocol.Setup{}, fmt.Errorf("client setup: %w", err)
	}
	if c.r.metrics != nil {
		c.r.metrics.WSMessages.WithLabelValues("inbound", "setup").Inc()
	}
	return setup, nil
}

// runActive runs both pumps plus the ingestion, tool and speech-to-text
// workers. Whichever goroutine ends first with an error cancels the rest;
// the pumps cancel on any exit.
func (c *conn) runActive(ctx context.Context, cancel context.CancelFunc, inbound <-chan []byte) error {
	g, gctx := errgroup.WithContext(ctx)
	c.docs = make(chan ingest.Document, c.r.cfg.IngestQueueSize)
	c.toolCalls = make(chan []protocol.ToolCall, toolCallQueueSize)

	if link, sttEvents := c.openSTT(gctx); link != nil {
		defer link.close()
		c.sttAudio = make(chan protocol.AudioChunk, sttAudioQueueSize)
		c.spawn(g, cancel, "stt_feed", func() error {
			c.feedSTT(gctx, link)
			return nil
		})
		c.spawn(g, cancel, "stt_forward", func() error {
			c.forwardTranscripts(gctx, link, sttEvents)
			return nil
		})
	}

	c.spawn(g, cancel, "ingest", func() error {
		c.ingestWorker(gctx)
		return nil
	})
	c.spawn(g, cancel, "tool_calls", func() error {
		c.toolWorker(gctx)
		return nil
	})
	c.spawn(g, cancel, "client_pump", func() error {
		defer cancel()
		return c.clientPump(gctx, inbound)
	})
	c.spawn(g, cancel, "upstream_pump", func() error {
		defer cancel()
		return c.upstreamPump(gctx)
	})
	return g.Wait()
}

// spawn runs fn in g. A panic is logged with its stack and becomes a
// session.ErrPanicked error; any error cancels the session so the upstream
// is closed and the other goroutines unwind.
func (c *conn) spawn(g *errgroup.Group, cancel context.CancelFunc, name string, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("relay goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				if c.r.metrics != nil {
					c.r.metrics.ObserveIndicator("relay_panic")
				}
				err = fmt.Errorf("%w: %s: %v", session.ErrPanicked, name, r)
			}
			if err != nil {
				cancel()
			}
		}()
		return fn()
	})
}

func (c *conn) clientPump(ctx context.Context, inbound <-chan []byte) error {
	for {
		var raw []byte
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			raw = msg
		}
		c.tracker.Touch()

		msg, err := protocol.ParseClientMessage(raw)
		if errors.Is(err, protocol.ErrMalformedFrame) {
			c.sendError(ctx, err.Error(), protocol.CodeInvalidClientMessage)
			return fmt.Errorf("client frame: %w", err)
		}
		if err != nil {
			c.log.Debug("invalid client message", zap.Error(err))
			c.sendError(ctx, err.Error(), protocol.CodeInvalidClientMessage)
			continue
		}
		if c.r.metrics != nil {
			c.r.metrics.WSMessages.WithLabelValues("inbound", protocol.InboundType(msg)).Inc()
		}

		if len(msg.ToolCalls) > 0 {
			c.enqueueToolCalls(ctx, msg.ToolCalls)
		}
		for _, chunk := range msg.Media {
			switch ch := chunk.(type) {
			case protocol.AudioChunk:
				if err := c.forwardAudio(ctx, ch); err != nil {
					return err
				}
			case protocol.DocumentChunk:
				c.enqueueDocument(ctx, ch)
			}
		}
	}
}

func (c *conn) forwardAudio(ctx context.Context, ch protocol.AudioChunk) error {
	c.turnStart.CompareAndSwap(0, time.Now().UnixNano())
	if err := c.up.SendAudio(ctx, ch.MimeType, ch.Data); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("forward audio: %w", err)
	}
	if c.sttAudio != nil {
		select {
		case c.sttAudio <- ch:
		default:
			if c.r.metrics != nil {
				c.r.metrics.ObserveIndicator("stt_audio_dropped")
			}
		}
	}
	return nil
}

func (c *conn) enqueueToolCalls(ctx context.Context, calls []protocol.ToolCall) {
	select {
	case c.toolCalls <- calls:
	default:
		for _, tc := range calls {
			c.send(ctx, protocol.ToolResultFrame{ToolResult: protocol.ToolResult{
				ID:    tc.ID,
				Name:  tc.Name,
				Error: "too many tool calls in flight, retry later",
			}})
		}
	}
}

// toolWorker answers client-issued calls in arrival order. Results go to
// the client only, never upstream.
func (c *conn) toolWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case calls := <-c.toolCalls:
			c.runDirectToolCalls(ctx, calls)
		}
	}
}

func (c *conn) runDirectToolCalls(ctx context.Context, calls []protocol.ToolCall) {
	for _, tc := range calls {
		if ctx.Err() != nil {
			return
		}
		id := tc.ID
		if id == "" {
			id = uuid.NewString()
		}
		res := c.r.tools.Invoke(ctx, tools.Call{ID: id, Name: tc.Name, Args: tc.Args}, c.userID)
		frame := protocol.ToolResultFrame{ToolResult: protocol.ToolResult{ID: res.ID, Name: res.Name}}
		if res.Failed() {
			frame.ToolResult.Error = res.Output
		} else {
			frame.ToolResult.Result = res.Output
		}
		c.send(ctx, frame)
	}
}

func (c *conn) enqueueDocument(ctx context.Context, ch protocol.DocumentChunk) {
	doc := ingest.Document{UserID: c.userID, Filename: ch.Filename, Data: ch.Data, OCR: ch.OCR}
	select {
	case c.docs <- doc:
		c.log.Info("document queued",
			zap.String("filename", ch.Filename),
			zap.Int("bytes", len(ch.Data)),
			zap.Bool("ocr", ch.OCR),
		)
	default:
		c.send(ctx, protocol.TextFrame{Text: ingest.FailureNotice(ch.Filename, errors.New("too many documents in flight, retry later"))})
	}
}

// ingestWorker indexes queued documents one at a time so notices arrive
// in upload order.
func (c *conn) ingestWorker(ctx context.Context) {
	for {
		var doc ingest.Document
		select {
		case <-ctx.Done():
			return
		case doc = <-c.docs:
		}

		ictx, cancel := ctx, context.CancelFunc(func() {})
		if c.r.cfg.IngestTimeout > 0 {
			ictx, cancel = context.WithTimeout(ctx, c.r.cfg.IngestTimeout)
		}
		_, err := c.r.ingest.Ingest(ictx, doc)
		cancel()
		if ctx.Err() != nil {
			return
		}

		notice := ingest.SuccessNotice(doc.Filename)
		if err != nil {
			notice = ingest.FailureNotice(doc.Filename, err)
		}
		c.send(ctx, protocol.TextFrame{Text: notice})
	}
}

func (c *conn) upstreamPump(ctx context.Context) error {
	for ev := range c.up.Events() {
		c.tracker.Touch()
		switch e := ev.(type) {
		case upstream.ToolCall:
			c.observeUpstream("tool_call")
			if err := c.answerToolCall(ctx, e); err != nil {
				return err
			}
		case upstream.ServerContent:
			c.observeUpstream("server_content")
			c.forwardContent(ctx, e)
		case upstream.ToolCallCancellation:
			c.observeUpstream("tool_call_cancellation")
			c.log.Info("upstream cancelled tool calls", zap.Strings("ids", e.IDs))
		case upstream.GoAway:
			c.observeUpstream("go_away")
			c.log.Warn("upstream going away", zap.String("time_left", e.TimeLeft))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := c.up.Err(); err != nil {
		c.sendError(ctx, "upstream session ended: "+err.Error(), protocol.CodeUpstreamUnavailable)
		return fmt.Errorf("upstream: %w", err)
	}
	return nil
}

// answerToolCall runs every call in order and replies with one batch that
// names each call id exactly once.
func (c *conn) answerToolCall(ctx context.Context, tc upstream.ToolCall) error {
	start := time.Now()
	seen := make(map[string]struct{}, len(tc.Calls))
	responses := make([]*genai.FunctionResponse, 0, len(tc.Calls))
	for _, call := range tc.Calls {
		if call == nil {
			continue
		}
		if _, dup := seen[call.ID]; dup {
			c.log.Warn("duplicate tool call id in batch", zap.String("call_id", call.ID))
			continue
		}
		seen[call.ID] = struct{}{}
		res := c.r.tools.Invoke(ctx, tools.Call{ID: call.ID, Name: call.Name, Args: call.Args}, c.userID)
		responses = append(responses, res.FunctionResponse())
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := c.up.SendToolResponse(ctx, responses); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("send tool response: %w", err)
	}
	if c.r.metrics != nil {
		c.r.metrics.ObserveStage(observability.StageToolBatch, time.Since(start))
	}
	return nil
}

func (c *conn) forwardContent(ctx context.Context, sc upstream.ServerContent) {
	if len(sc.Parts) > 0 {
		if started := c.turnStart.Swap(0); started > 0 && c.r.metrics != nil {
			c.r.metrics.ObserveStage(observability.StageFirstModelOutput, time.Since(time.Unix(0, started)))
		}
	}
	for _, part := range sc.Parts {
		switch p := part.(type) {
		case upstream.TextPart:
			c.send(ctx, protocol.TextFrame{Text: p.Text})
		case upstream.InlineAudioPart:
			c.send(ctx, protocol.AudioFrame{Audio: p.Data})
		case upstream.CodeResultPart:
			c.send(ctx, protocol.TextFrame{Text: codeOutputPrefix + p.Output})
		}
	}
	if sc.InputTranscript != "" {
		c.send(ctx, protocol.TranscriptFrame{UserTranscript: sc.InputTranscript})
	}
	if sc.Interrupted && c.r.metrics != nil {
		c.r.metrics.ObserveIndicator("turn_interrupted")
	}
	if sc.TurnComplete {
		c.transcript.Reset()
		c.turnStart.Store(0)
	}
}

// send queues a frame for the client writer, dropping it if the writer
// does not accept it within SendTimeout.
func (c *conn) send(ctx context.Context, frame any) bool {
	typ, _ := protocol.FrameType(frame)
	timer := time.NewTimer(c.r.cfg.SendTimeout)
	defer timer.Stop()

	outcome := "queued"
	defer func() {
		if c.r.metrics != nil {
			c.r.metrics.ObserveOutboundMessage(typ, outcome)
		}
	}()
	select {
	case c.out <- frame:
		return true
	case <-ctx.Done():
		outcome = "drop_cancelled"
	case <-timer.C:
		outcome = "drop_timeout"
	}
	return false
}

func (c *conn) sendError(ctx context.Context, msg, code string) {
	c.send(ctx, protocol.ErrorFrame{Error: msg, Code: code})
}

func (c *conn) observeUpstream(kind string) {
	if c.r.metrics != nil {
		c.r.metrics.UpstreamEvents.WithLabelValues(kind).Inc()
	}
}

func sampleRate(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return defaultSampleRate
	}
	if rate, err := strconv.Atoi(params["rate"]); err == nil && rate > 0 {
		return rate
	}
	return defaultSampleRate
}
