package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSetup(t *testing.T) {
	setup, err := ParseSetup([]byte(`{"setup":{"user_id":"u1","generation_config":{"response_modalities":["AUDIO"]}}}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", setup.UserID)
	require.Contains(t, setup.Passthrough, "generation_config")
	assert.NotContains(t, setup.Passthrough, "user_id")
	assert.JSONEq(t, `{"response_modalities":["AUDIO"]}`, string(setup.Passthrough["generation_config"]))
}

func TestParseSetupRejectsMissingUserID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{name: "absent", raw: `{"setup":{}}`, want: ErrMissingUserID},
		{name: "blank", raw: `{"setup":{"user_id":"   "}}`, want: ErrMissingUserID},
		{name: "not string", raw: `{"setup":{"user_id":42}}`, want: ErrMissingUserID},
		{name: "not setup", raw: `{"realtime_input":{"media_chunks":[]}}`, want: ErrNotSetup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSetup([]byte(tt.raw))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseSetupRejectsGarbage(t *testing.T) {
	_, err := ParseSetup([]byte(`not json`))
	require.Error(t, err)
}

func TestParseClientMessageAudio(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"realtime_input":{"media_chunks":[{"mime_type":"audio/pcm;rate=16000","data":"AQID"}]}}`))
	require.NoError(t, err)
	require.Len(t, msg.Media, 1)

	audio, ok := msg.Media[0].(AudioChunk)
	require.True(t, ok, "chunk type = %T", msg.Media[0])
	assert.Equal(t, "AQID", audio.Data)
	pcm, err := audio.PCM()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, pcm)
	assert.Equal(t, "audio", InboundType(msg))
}

func TestParseClientMessageDocument(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"realtime_input":{"media_chunks":[{"mime_type":"application/pdf","data":"JVBERi0=","filename":"notes.pdf","ocr":true}]}}`))
	require.NoError(t, err)
	require.Len(t, msg.Media, 1)

	doc, ok := msg.Media[0].(DocumentChunk)
	require.True(t, ok)
	assert.Equal(t, "notes.pdf", doc.Filename)
	assert.True(t, doc.OCR)
	assert.Equal(t, []byte("%PDF-"), doc.Data)
}

func TestParseClientMessageDocumentDefaultsFilename(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"realtime_input":{"media_chunks":[{"mime_type":"application/pdf","data":"JVBERi0="}]}}`))
	require.NoError(t, err)
	require.Len(t, msg.Media, 1)
	assert.Equal(t, DefaultDocumentName, msg.Media[0].(DocumentChunk).Filename)
}

func TestParseClientMessageDocumentRejectsBadBase64(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"realtime_input":{"media_chunks":[{"mime_type":"application/pdf","data":"%%%","filename":"a.pdf"}]}}`))
	require.Error(t, err)
}

func TestParseClientMessageToolCallShapes(t *testing.T) {
	nested := `{"realtime_input":{"tool_call":{"function_calls":[{"name":"delete_document","args":{"filename":"a.pdf"}}]}}}`
	top := `{"tool_call":{"function_calls":[{"id":"c1","name":"query_docs","args":{"query":"hi"}}]}}`

	msg, err := ParseClientMessage([]byte(nested))
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "delete_document", msg.ToolCalls[0].Name)
	assert.Equal(t, "a.pdf", msg.ToolCalls[0].Args["filename"])
	assert.Empty(t, msg.ToolCalls[0].ID)

	msg, err = ParseClientMessage([]byte(top))
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "c1", msg.ToolCalls[0].ID)
	assert.Equal(t, "tool_call", InboundType(msg))
}

func TestParseClientMessageToolCallRequiresName(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"tool_call":{"function_calls":[{"args":{}}]}}`))
	require.Error(t, err)
}

func TestParseClientMessageMalformedJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"realtime_input":`))
	require.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ParseClientMessage([]byte(`{"realtime_input":{"media_chunks":[{"mime_type":"image/png","data":"AA=="}]}}`))
	require.NotErrorIs(t, err, ErrMalformedFrame)
}

func TestParseClientMessageRejectsUnsupportedMime(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"realtime_input":{"media_chunks":[{"mime_type":"image/png","data":"AA=="}]}}`))
	require.ErrorIs(t, err, ErrUnsupportedMime)
}

func TestParseClientMessageRejectsLateSetup(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"setup":{"user_id":"u2"}}`))
	require.ErrorIs(t, err, ErrUnexpectedSetup)
}

func TestParseClientMessageRejectsEmpty(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"realtime_input":{"media_chunks":[]}}`))
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestFramesMarshalFlat(t *testing.T) {
	tests := []struct {
		frame any
		want  string
	}{
		{TextFrame{Text: "Hello"}, `{"text":"Hello"}`},
		{AudioFrame{Audio: "AAE="}, `{"audio":"AAE="}`},
		{TranscriptFrame{UserTranscript: "hi", Partial: true}, `{"user_transcript":"hi","transcript_partial":true}`},
		{ToolResultFrame{ToolResult: ToolResult{ID: "1", Name: "query_docs", Result: "ok"}}, `{"tool_result":{"id":"1","name":"query_docs","result":"ok"}}`},
		{ErrorFrame{Error: "nope", Code: CodeMissingUserID}, `{"error":"nope","code":"missing_user_id"}`},
	}
	for _, tt := range tests {
		raw, err := json.Marshal(tt.frame)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(raw))
		_, ok := FrameType(tt.frame)
		assert.True(t, ok)
	}
}

func BenchmarkParseClientMessageAudio(b *testing.B) {
	raw := []byte(`{"realtime_input":{"media_chunks":[{"mime_type":"audio/pcm","data":"AQIDBAUGBwgJCgsMDQ4PEA=="}]}}`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ParseClientMessage(raw); err != nil {
			b.Fatal(err)
		}
	}
}
