package relay

import (
	"strings"
	"sync"
)

// TranscriptBuffer holds the speech-to-text fragments of the open turn.
// The client side appends, the upstream side resets on turn completion.
// Every reset starts a new generation; work computed against an older
// generation is discarded.
type TranscriptBuffer struct {
	mu        sync.Mutex
	committed []string
	partial   string
	gen       uint64
}

// Partial replaces the in-progress fragment and returns the joined text.
func (b *TranscriptBuffer) Partial(text string) (string, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partial = strings.TrimSpace(text)
	return b.joinLocked(), b.gen
}

// Commit finalizes a fragment and returns the joined text.
func (b *TranscriptBuffer) Commit(text string) (string, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := strings.TrimSpace(text); t != "" {
		b.committed = append(b.committed, t)
	}
	b.partial = ""
	return b.joinLocked(), b.gen
}

func (b *TranscriptBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed = nil
	b.partial = ""
	b.gen++
}

func (b *TranscriptBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joinLocked()
}

// IsCurrent reports whether no reset happened since gen was handed out.
// Callers send after it returns so a slow client never holds the buffer.
func (b *TranscriptBuffer) IsCurrent(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return gen == b.gen
}

func (b *TranscriptBuffer) joinLocked() string {
	parts := b.committed
	if b.partial != "" {
		parts = append(parts[:len(parts):len(parts)], b.partial)
	}
	return strings.Join(parts, " ")
}
