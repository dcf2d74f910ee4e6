// Package voice produces live user transcripts alongside the model session.
package voice

import "context"

type Kind int

const (
	KindPartial Kind = iota + 1
	KindCommitted
	KindError
)

// Event is one update from a transcription stream. Retryable only applies
// to KindError and means reopening the stream may succeed.
type Event struct {
	Kind      Kind
	Text      string
	Code      string
	Detail    string
	Retryable bool
}

// Stream accepts base64 PCM for one relay session. The event channel handed
// out with it is closed once the stream ends.
type Stream interface {
	Write(ctx context.Context, audioBase64 string, sampleRate int) error
	Close() error
}

type Transcriber interface {
	Open(ctx context.Context, sessionID string) (Stream, <-chan Event, error)
}
