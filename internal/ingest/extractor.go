package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	MethodText = "text"
	MethodOCR  = "ocr"
)

var (
	ErrNoText        = errors.New("document has no extractable text")
	ErrUnreadablePDF = errors.New("unreadable pdf")
)

const ocrPrompt = "Transcribe all text in this PDF document in reading order. " +
	"Return only the transcribed text with no commentary."

// TextExtractor turns raw PDF bytes into plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte) (string, error)
}

// NativeExtractor reads the embedded text layer.
type NativeExtractor struct{}

func (NativeExtractor) ExtractText(_ context.Context, data []byte) (text string, err error) {
	// The pdf package panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrUnreadablePDF, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
	}
	return string(b), nil
}

// GeminiOCR asks a multimodal model to transcribe the document.
type GeminiOCR struct {
	client *genai.Client
	model  string
}

func NewGeminiOCR(client *genai.Client, model string) *GeminiOCR {
	return &GeminiOCR{client: client, model: model}
}

func (g *GeminiOCR) ExtractText(ctx context.Context, data []byte) (string, error) {
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: "application/pdf", Data: data}},
			{Text: ocrPrompt},
		},
	}}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return resp.Text(), nil
}

type Extraction struct {
	Text   string
	Method string
}

// Extractor picks between OCR and the native text layer. When OCR is asked
// for but unavailable, fails or finds nothing, the native layer is used.
type Extractor struct {
	native TextExtractor
	ocr    TextExtractor
	log    *zap.Logger
}

func NewExtractor(native, ocr TextExtractor, log *zap.Logger) *Extractor {
	if native == nil {
		native = NativeExtractor{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{native: native, ocr: ocr, log: log}
}

func (e *Extractor) Extract(ctx context.Context, data []byte, useOCR bool) (Extraction, error) {
	if useOCR && e.ocr != nil {
		text, err := e.ocr.ExtractText(ctx, data)
		switch {
		case err == nil && strings.TrimSpace(text) != "":
			return Extraction{Text: text, Method: MethodOCR}, nil
		case ctx.Err() != nil:
			return Extraction{}, ctx.Err()
		case err != nil:
			e.log.Warn("ocr failed, falling back to text layer", zap.Error(err))
		default:
			e.log.Warn("ocr returned no text, falling back to text layer")
		}
	}

	text, err := e.native.ExtractText(ctx, data)
	if err != nil {
		return Extraction{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Extraction{}, ErrNoText
	}
	return Extraction{Text: text, Method: MethodText}, nil
}
