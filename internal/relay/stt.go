package relay

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/doctalk/internal/protocol"
	"github.com/ent0n29/doctalk/internal/voice"
)

// maxSTTReopens caps how often a retryable transcriber error reopens the
// stream within one session.
const maxSTTReopens = 1

// sttLink holds the session's current transcription stream. The feeder
// writes to whichever stream is current; the forwarder swaps it.
type sttLink struct {
	mu      sync.Mutex
	stream  voice.Stream
	reopens int
}

func (l *sttLink) current() voice.Stream {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream
}

func (l *sttLink) swap(s voice.Stream) voice.Stream {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.stream
	l.stream = s
	return old
}

func (l *sttLink) close() {
	if old := l.swap(nil); old != nil {
		_ = old.Close()
	}
}

func (c *conn) openSTT(ctx context.Context) (*sttLink, <-chan voice.Event) {
	if c.r.stt == nil {
		return nil, nil
	}
	s, events, err := c.r.stt.Open(ctx, c.tracker.ID())
	if err != nil {
		c.log.Warn("speech-to-text unavailable for session", zap.Error(err))
		return nil, nil
	}
	return &sttLink{stream: s}, events
}

// reopenSTT replaces the current stream after a retryable error. It
// returns nil once the reopen budget is spent or the transcriber refuses.
func (c *conn) reopenSTT(ctx context.Context, link *sttLink) <-chan voice.Event {
	if link.reopens >= maxSTTReopens {
		return nil
	}
	link.reopens++
	s, events, err := c.r.stt.Open(ctx, c.tracker.ID())
	if err != nil {
		c.log.Warn("speech-to-text reopen failed", zap.Error(err))
		return nil
	}
	if old := link.swap(s); old != nil {
		_ = old.Close()
	}
	if c.r.metrics != nil {
		c.r.metrics.ObserveIndicator("stt_reopened")
	}
	c.log.Info("speech-to-text stream reopened")
	return events
}

func (c *conn) feedSTT(ctx context.Context, link *sttLink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-c.sttAudio:
			s := link.current()
			if s == nil {
				continue
			}
			if err := s.Write(ctx, ch.Data, sampleRate(ch.MimeType)); err != nil {
				c.log.Debug("speech-to-text send failed", zap.Error(err))
			}
		}
	}
}

func (c *conn) forwardTranscripts(ctx context.Context, link *sttLink, events <-chan voice.Event) {
	for {
		var ev voice.Event
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev = e
		}

		var (
			text    string
			gen     uint64
			partial bool
		)
		switch ev.Kind {
		case voice.KindPartial:
			text, gen = c.transcript.Partial(ev.Text)
			partial = true
		case voice.KindCommitted:
			text, gen = c.transcript.Commit(ev.Text)
		case voice.KindError:
			c.log.Debug("speech-to-text error",
				zap.String("code", ev.Code),
				zap.String("detail", ev.Detail),
				zap.Bool("retryable", ev.Retryable),
			)
			if ev.Retryable {
				if next := c.reopenSTT(ctx, link); next != nil {
					events = next
				}
			}
			continue
		default:
			continue
		}
		if text == "" || !c.transcript.IsCurrent(gen) {
			continue
		}
		c.send(ctx, protocol.TranscriptFrame{UserTranscript: text, Partial: partial})
	}
}
