package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Embedder turns text into vectors. EmbedQuery may use a different task
// type than Embed for providers that distinguish them.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// ProviderError wraps a provider failure with its HTTP status so retry
// logic can classify it.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s embedding failed (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s embedding failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error   { return e.Err }
func (e *ProviderError) HTTPStatus() int { return e.Status }

func wrapProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	pe := &ProviderError{Provider: provider, Err: err}
	var gerr genai.APIError
	var gerrPtr *genai.APIError
	var oerr *openai.APIError
	var rerr *openai.RequestError
	switch {
	case errors.As(err, &gerr):
		pe.Status = gerr.Code
	case errors.As(err, &gerrPtr):
		pe.Status = gerrPtr.Code
	case errors.As(err, &oerr):
		pe.Status = oerr.HTTPStatusCode
	case errors.As(err, &rerr):
		pe.Status = rerr.HTTPStatusCode
	}
	return pe
}
