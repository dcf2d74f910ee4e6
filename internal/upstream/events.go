package upstream

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Event is one model-originated message. Concrete types: ToolCall,
// ServerContent, ToolCallCancellation and GoAway.
type Event interface {
	isEvent()
}

// ToolCall asks the relay to run every call and answer with exactly one
// ToolResponse carrying the same ids.
type ToolCall struct {
	Calls []*genai.FunctionCall
}

// ServerContent carries model output parts in order. TurnComplete marks the
// end of the model turn and may arrive with or without parts.
type ServerContent struct {
	Parts           []Part
	InputTranscript string
	TurnComplete    bool
	Interrupted     bool
}

type ToolCallCancellation struct {
	IDs []string
}

type GoAway struct {
	TimeLeft string
}

func (ToolCall) isEvent()             {}
func (ServerContent) isEvent()        {}
func (ToolCallCancellation) isEvent() {}
func (GoAway) isEvent()               {}

// Part is one of TextPart, InlineAudioPart or CodeResultPart.
type Part interface {
	isPart()
}

type TextPart struct {
	Text string
}

// InlineAudioPart keeps the upstream base64 payload as-is.
type InlineAudioPart struct {
	MimeType string
	Data     string
}

type CodeResultPart struct {
	Outcome string
	Output  string
}

func (TextPart) isPart()        {}
func (InlineAudioPart) isPart() {}
func (CodeResultPart) isPart()  {}

type serverMessage struct {
	SetupComplete        *struct{}          `json:"setupComplete"`
	ServerContent        *serverContentWire `json:"serverContent"`
	ToolCall             *toolCallWire      `json:"toolCall"`
	ToolCallCancellation *struct {
		IDs []string `json:"ids"`
	} `json:"toolCallCancellation"`
	GoAway *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway"`
}

type serverContentWire struct {
	ModelTurn *struct {
		Parts []partWire `json:"parts"`
	} `json:"modelTurn"`
	TurnComplete       bool `json:"turnComplete"`
	Interrupted        bool `json:"interrupted"`
	InputTranscription *struct {
		Text string `json:"text"`
	} `json:"inputTranscription"`
}

type partWire struct {
	Text       string `json:"text"`
	Thought    bool   `json:"thought"`
	InlineData *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData"`
	CodeExecutionResult *struct {
		Outcome string `json:"outcome"`
		Output  string `json:"output"`
	} `json:"codeExecutionResult"`
}

type toolCallWire struct {
	FunctionCalls []*genai.FunctionCall `json:"functionCalls"`
}

// parseServerMessage classifies one upstream frame. A nil event with a nil
// error means the frame carries nothing the relay acts on.
func parseServerMessage(data []byte) (Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}

	switch {
	case msg.ToolCall != nil:
		if len(msg.ToolCall.FunctionCalls) == 0 {
			return nil, nil
		}
		return ToolCall{Calls: msg.ToolCall.FunctionCalls}, nil
	case msg.ServerContent != nil:
		return parseServerContent(msg.ServerContent), nil
	case msg.ToolCallCancellation != nil:
		return ToolCallCancellation{IDs: msg.ToolCallCancellation.IDs}, nil
	case msg.GoAway != nil:
		return GoAway{TimeLeft: msg.GoAway.TimeLeft}, nil
	default:
		return nil, nil
	}
}

func parseServerContent(w *serverContentWire) ServerContent {
	sc := ServerContent{
		TurnComplete: w.TurnComplete,
		Interrupted:  w.Interrupted,
	}
	if w.InputTranscription != nil {
		sc.InputTranscript = w.InputTranscription.Text
	}
	if w.ModelTurn == nil {
		return sc
	}
	for _, p := range w.ModelTurn.Parts {
		switch {
		case p.InlineData != nil:
			if strings.HasPrefix(strings.ToLower(p.InlineData.MimeType), "audio/") && p.InlineData.Data != "" {
				sc.Parts = append(sc.Parts, InlineAudioPart{MimeType: p.InlineData.MimeType, Data: p.InlineData.Data})
			}
		case p.CodeExecutionResult != nil:
			sc.Parts = append(sc.Parts, CodeResultPart{
				Outcome: p.CodeExecutionResult.Outcome,
				Output:  p.CodeExecutionResult.Output,
			})
		case p.Text != "" && !p.Thought:
			sc.Parts = append(sc.Parts, TextPart{Text: p.Text})
		}
	}
	return sc
}
