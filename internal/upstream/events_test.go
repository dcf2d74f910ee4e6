package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "ordered parts",
			raw: `{"serverContent":{"modelTurn":{"parts":[
				{"text":"Hi"},
				{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAE="}},
				{"executableCode":{"language":"PYTHON","code":"print(1)"}},
				{"codeExecutionResult":{"outcome":"OUTCOME_OK","output":"1\n"}},
				{"inlineData":{"mimeType":"image/png","data":"AAE="}}
			]}}}`,
			want: ServerContent{Parts: []Part{
				TextPart{Text: "Hi"},
				InlineAudioPart{MimeType: "audio/pcm;rate=24000", Data: "AAE="},
				CodeResultPart{Outcome: "OUTCOME_OK", Output: "1\n"},
			}},
		},
		{
			name: "turn complete with transcript",
			raw:  `{"serverContent":{"turnComplete":true,"inputTranscription":{"text":"what is in my notes"}}}`,
			want: ServerContent{TurnComplete: true, InputTranscript: "what is in my notes"},
		},
		{
			name: "interrupted",
			raw:  `{"serverContent":{"interrupted":true}}`,
			want: ServerContent{Interrupted: true},
		},
		{
			name: "cancellation",
			raw:  `{"toolCallCancellation":{"ids":["a","b"]}}`,
			want: ToolCallCancellation{IDs: []string{"a", "b"}},
		},
		{
			name: "go away",
			raw:  `{"goAway":{"timeLeft":"10s"}}`,
			want: GoAway{TimeLeft: "10s"},
		},
		{
			name: "usage only",
			raw:  `{"usageMetadata":{"totalTokenCount":12}}`,
			want: nil,
		},
		{
			name: "empty tool call",
			raw:  `{"toolCall":{"functionCalls":[]}}`,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseServerMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseServerMessageToolCall(t *testing.T) {
	got, err := parseServerMessage([]byte(`{"toolCall":{"functionCalls":[
		{"id":"1","name":"query_docs","args":{"query":"a"}},
		{"id":"2","name":"delete_document","args":{"filename":"b.pdf"}}
	]}}`))
	require.NoError(t, err)

	tc, ok := got.(ToolCall)
	require.True(t, ok)
	require.Len(t, tc.Calls, 2)
	assert.Equal(t, "1", tc.Calls[0].ID)
	assert.Equal(t, "delete_document", tc.Calls[1].Name)
	assert.Equal(t, "b.pdf", tc.Calls[1].Args["filename"])
}

func TestParseServerMessageRejectsInvalidJSON(t *testing.T) {
	_, err := parseServerMessage([]byte(`{"serverContent":`))
	require.Error(t, err)
}

func TestSetupFrameDropsReservedKeys(t *testing.T) {
	raw, err := setupFrame(testSetup())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"model":"models/test"`)
	assert.NotContains(t, string(raw), "models/hijack")
	assert.Contains(t, string(raw), `"generation_config":{"response_modalities":["AUDIO"]}`)
}

func TestEndpointURL(t *testing.T) {
	got, err := endpointURL("wss://example.test/ws/live", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.test/ws/live?key=abc", got)

	_, err = endpointURL("https://example.test", "abc")
	require.Error(t, err)
}
