package protocol

// Server-to-client frames. Each one marshals to the flat JSON shape the
// browser client switches on.

type TextFrame struct {
	Text string `json:"text"`
}

type AudioFrame struct {
	Audio string `json:"audio"`
}

type TranscriptFrame struct {
	UserTranscript string `json:"user_transcript"`
	Partial        bool   `json:"transcript_partial"`
}

type ToolResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type ToolResultFrame struct {
	ToolResult ToolResult `json:"tool_result"`
}

type ErrorFrame struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// FrameType names an outbound frame for metrics labels.
func FrameType(v any) (string, bool) {
	switch v.(type) {
	case TextFrame:
		return "text", true
	case AudioFrame:
		return "audio", true
	case TranscriptFrame:
		return "transcript", true
	case ToolResultFrame:
		return "tool_result", true
	case ErrorFrame:
		return "error", true
	default:
		return "", false
	}
}

// InboundType names a parsed client message for metrics labels.
func InboundType(msg ClientMessage) string {
	switch {
	case len(msg.ToolCalls) > 0:
		return "tool_call"
	case len(msg.Media) == 0:
		return "empty"
	}
	switch msg.Media[0].(type) {
	case AudioChunk:
		return "audio"
	case DocumentChunk:
		return "document"
	default:
		return "unknown"
	}
}
