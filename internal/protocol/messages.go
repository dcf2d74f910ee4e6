package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MimeAudioPCM = "audio/pcm"
	MimePDF      = "application/pdf"

	DefaultDocumentName = "file.pdf"
)

// Error codes carried by ErrorFrame.
const (
	CodeMissingUserID        = "missing_user_id"
	CodeUpstreamUnavailable  = "upstream_unavailable"
	CodeInvalidClientMessage = "invalid_client_message"
	CodeSetupTimeout         = "setup_timeout"
	CodeInternal             = "internal_error"
)

var (
	ErrNotSetup        = errors.New("first message must be a setup frame")
	ErrMissingUserID   = errors.New("setup.user_id is required")
	ErrUnexpectedSetup = errors.New("setup is only valid as the first message")
	ErrUnsupportedMime = errors.New("unsupported mime type")
	ErrEmptyMessage    = errors.New("message carries no media chunks or tool calls")

	// ErrMalformedFrame marks a frame that does not decode as an envelope.
	// Sessions end on it; the other parse errors are recoverable.
	ErrMalformedFrame = errors.New("malformed frame")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Setup is the parsed first client frame. Passthrough holds every key other
// than user_id verbatim so it can be merged into the upstream setup.
type Setup struct {
	UserID      string
	Passthrough map[string]json.RawMessage
}

func ParseSetup(raw []byte) (Setup, error) {
	var env struct {
		Setup map[string]json.RawMessage `json:"setup"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Setup{}, fmt.Errorf("invalid setup frame: %w", err)
	}
	if env.Setup == nil {
		return Setup{}, ErrNotSetup
	}

	var userID string
	if rawID, ok := env.Setup["user_id"]; ok {
		if err := json.Unmarshal(rawID, &userID); err != nil {
			return Setup{}, fmt.Errorf("%w: user_id must be a string", ErrMissingUserID)
		}
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Setup{}, ErrMissingUserID
	}

	passthrough := make(map[string]json.RawMessage, len(env.Setup))
	for k, v := range env.Setup {
		if k == "user_id" {
			continue
		}
		passthrough[k] = v
	}
	return Setup{UserID: userID, Passthrough: passthrough}, nil
}

// MediaChunk is either an AudioChunk or a DocumentChunk.
type MediaChunk interface {
	isMediaChunk()
}

// AudioChunk keeps the client's base64 payload untouched so it can be
// forwarded upstream verbatim.
type AudioChunk struct {
	MimeType string
	Data     string
}

func (AudioChunk) isMediaChunk() {}

func (a AudioChunk) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.Data)
}

// DocumentChunk carries one complete PDF. Empty Data asks for a re-index of
// the blob already stored under Filename.
type DocumentChunk struct {
	Filename    string
	Data        []byte
	OCR         bool
	StoragePath string
}

func (DocumentChunk) isMediaChunk() {}

type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name" validate:"required"`
	Args map[string]any `json:"args,omitempty"`
}

// ClientMessage is a classified non-setup client frame.
type ClientMessage struct {
	Media     []MediaChunk
	ToolCalls []ToolCall
}

type clientEnvelope struct {
	Setup         json.RawMessage `json:"setup"`
	RealtimeInput *realtimeInput  `json:"realtime_input"`
	ToolCall      *toolCallWire   `json:"tool_call"`
}

type realtimeInput struct {
	MediaChunks []mediaChunkWire `json:"media_chunks" validate:"dive"`
	ToolCall    *toolCallWire    `json:"tool_call"`
}

type toolCallWire struct {
	FunctionCalls []ToolCall `json:"function_calls" validate:"required,min=1,dive"`
}

type mediaChunkWire struct {
	MimeType    string `json:"mime_type" validate:"required"`
	Data        string `json:"data"`
	Filename    string `json:"filename"`
	OCR         bool   `json:"ocr"`
	StoragePath string `json:"storage_path"`
}

func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if len(env.Setup) > 0 {
		return ClientMessage{}, ErrUnexpectedSetup
	}

	var msg ClientMessage
	calls := []*toolCallWire{env.ToolCall}
	if in := env.RealtimeInput; in != nil {
		if err := validate.Struct(in); err != nil {
			return ClientMessage{}, fmt.Errorf("invalid realtime_input: %w", err)
		}
		for i, c := range in.MediaChunks {
			chunk, err := classifyChunk(c)
			if err != nil {
				return ClientMessage{}, fmt.Errorf("media_chunks[%d]: %w", i, err)
			}
			msg.Media = append(msg.Media, chunk)
		}
		calls = append(calls, in.ToolCall)
	}
	for _, tc := range calls {
		if tc == nil {
			continue
		}
		if err := validate.Struct(tc); err != nil {
			return ClientMessage{}, fmt.Errorf("invalid tool_call: %w", err)
		}
		msg.ToolCalls = append(msg.ToolCalls, tc.FunctionCalls...)
	}

	if len(msg.Media) == 0 && len(msg.ToolCalls) == 0 {
		return ClientMessage{}, ErrEmptyMessage
	}
	return msg, nil
}

func classifyChunk(c mediaChunkWire) (MediaChunk, error) {
	mime := strings.ToLower(strings.TrimSpace(c.MimeType))
	base, _, _ := strings.Cut(mime, ";")
	switch strings.TrimSpace(base) {
	case MimeAudioPCM:
		if c.Data == "" {
			return nil, errors.New("audio chunk has no data")
		}
		return AudioChunk{MimeType: c.MimeType, Data: c.Data}, nil
	case MimePDF:
		filename := strings.TrimSpace(c.Filename)
		if filename == "" {
			filename = DefaultDocumentName
		}
		doc := DocumentChunk{Filename: filename, OCR: c.OCR, StoragePath: c.StoragePath}
		if c.Data != "" {
			data, err := base64.StdEncoding.DecodeString(c.Data)
			if err != nil {
				return nil, fmt.Errorf("document data is not base64: %w", err)
			}
			doc.Data = data
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMime, c.MimeType)
	}
}
