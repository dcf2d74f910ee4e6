package ingest

import (
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const (
	DefaultChunkTokens  = 500
	DefaultChunkOverlap = 50
)

// Tokenizer splits text into pieces whose concatenation is the original
// text. A piece need not be valid UTF-8 on its own.
type Tokenizer interface {
	Pieces(text string) []string
}

type bpeTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (b bpeTokenizer) Pieces(text string) []string {
	ids := b.enc.Encode(text, nil, nil)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = b.enc.Decode([]int{id})
	}
	return out
}

var wordPattern = regexp.MustCompile(`\s*\S+\s*`)

// WordTokenizer treats every whitespace separated word as one token.
type WordTokenizer struct{}

func (WordTokenizer) Pieces(text string) []string {
	return wordPattern.FindAllString(text, -1)
}

// NewTokenizer returns the cl100k_base BPE tokenizer. Loading it may need
// network access for the ranks file; on failure it falls back to words.
func NewTokenizer(log *zap.Logger) Tokenizer {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		if log != nil {
			log.Warn("bpe tokenizer unavailable, chunking by words", zap.Error(err))
		}
		return WordTokenizer{}
	}
	return bpeTokenizer{enc: enc}
}

// Chunker cuts text into overlapping token windows.
type Chunker struct {
	tok     Tokenizer
	size    int
	overlap int
}

func NewChunker(tok Tokenizer, size, overlap int) *Chunker {
	if tok == nil {
		tok = WordTokenizer{}
	}
	if size <= 0 {
		size = DefaultChunkTokens
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{tok: tok, size: size, overlap: overlap}
}

func (c *Chunker) Split(text string) []string {
	pieces := c.tok.Pieces(text)
	if len(pieces) == 0 {
		return nil
	}

	var chunks []string
	step := c.size - c.overlap
	for start := 0; start < len(pieces); start += step {
		end := min(start+c.size, len(pieces))
		chunk := strings.TrimSpace(strings.ToValidUTF8(strings.Join(pieces[start:end], ""), ""))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(pieces) {
			break
		}
	}
	return chunks
}
