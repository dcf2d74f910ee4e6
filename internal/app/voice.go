package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/doctalk/internal/config"
	"github.com/ent0n29/doctalk/internal/voice"
)

type sttSetup struct {
	transcriber voice.Transcriber
	detail      string
}

// resolveTranscriber picks the optional transcript source. "none" leaves
// sessions without parallel transcripts.
func resolveTranscriber(cfg config.Config) (sttSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.STTProvider))
	switch mode {
	case "", "none":
		return sttSetup{detail: "disabled"}, nil
	case "mock":
		return sttSetup{transcriber: voice.NewMockTranscriber(), detail: "mock"}, nil
	case "elevenlabs":
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return sttSetup{}, fmt.Errorf("STT_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		t := voice.NewElevenLabsTranscriber(voice.ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			WSBaseURL:  cfg.ElevenLabsWSBaseURL,
			STTModelID: cfg.ElevenLabsSTTModel,
		})
		return sttSetup{transcriber: t, detail: "elevenlabs realtime"}, nil
	default:
		return sttSetup{}, fmt.Errorf("invalid STT_PROVIDER: %q (expected none|mock|elevenlabs)", cfg.STTProvider)
	}
}
