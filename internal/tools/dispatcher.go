package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ent0n29/doctalk/internal/embedding"
	"github.com/ent0n29/doctalk/internal/llm"
	"github.com/ent0n29/doctalk/internal/observability"
	"github.com/ent0n29/doctalk/internal/policy"
	"github.com/ent0n29/doctalk/internal/semantic"
)

const (
	QueryDocs      = "query_docs"
	DeleteDocument = "delete_document"

	NoDocumentsFound = "No relevant documents found."

	defaultTopK    = 5
	defaultTimeout = 45 * time.Second
)

var (
	ErrUnknownTool     = errors.New("unknown tool")
	ErrMissingArgument = errors.New("missing argument")
)

type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is what a tool produced. A failed tool still yields a Result; Err
// carries the failure and Output the message shown to the model.
type Result struct {
	ID     string
	Name   string
	Output string
	Err    error
}

func (r Result) Failed() bool { return r.Err != nil }

// Response is the payload sent back upstream for this call.
func (r Result) Response() map[string]any {
	if r.Err != nil {
		return map[string]any{"error": r.Output}
	}
	return map[string]any{"result": r.Output}
}

func (r Result) FunctionResponse() *genai.FunctionResponse {
	return &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response()}
}

type Deps struct {
	Store    semantic.Store
	Blobs    semantic.BlobStore
	Embedder embedding.Embedder
	Answerer llm.Answerer
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	Timeout  time.Duration
	TopK     int
}

// Dispatcher runs the document tools for one user scope per call. It is
// safe for concurrent use.
type Dispatcher struct {
	store    semantic.Store
	blobs    semantic.BlobStore
	embedder embedding.Embedder
	answerer llm.Answerer
	metrics  *observability.Metrics
	log      *zap.Logger
	timeout  time.Duration
	topK     int
}

func NewDispatcher(d Deps) *Dispatcher {
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	if d.TopK <= 0 {
		d.TopK = defaultTopK
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Dispatcher{
		store:    d.Store,
		blobs:    d.Blobs,
		embedder: d.Embedder,
		answerer: d.Answerer,
		metrics:  d.Metrics,
		log:      d.Logger,
		timeout:  d.Timeout,
		topK:     d.TopK,
	}
}

// Declarations lists the tools announced to the model at setup.
func (d *Dispatcher) Declarations() []*genai.Tool {
	return Declarations()
}

func Declarations() []*genai.Tool {
	return []*genai.Tool{
		{FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        QueryDocs,
			Description: "Query per-user vector database.",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: map[string]*genai.Schema{"query": {Type: genai.TypeString}},
				Required:   []string{"query"},
			},
		}}},
		{FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        DeleteDocument,
			Description: "Delete a document and its embeddings",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: map[string]*genai.Schema{"filename": {Type: genai.TypeString}},
				Required:   []string{"filename"},
			},
		}}},
	}
}

// Invoke runs one call for userID. It never panics and never returns a Go
// error: failures come back as an error-shaped Result.
func (d *Dispatcher) Invoke(ctx context.Context, call Call, userID string) (res Result) {
	start := time.Now()
	res = Result{ID: call.ID, Name: call.Name}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool panicked",
				zap.String("tool", call.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res.Err = fmt.Errorf("panic: %v", r)
			res.Output = fmt.Sprintf("%s failed: internal error", call.Name)
		}
		d.observe(call, userID, res, time.Since(start))
	}()

	switch call.Name {
	case QueryDocs:
		query, err := stringArg(call.Args, "query")
		if err != nil {
			return failed(res, err)
		}
		out, err := d.queryDocs(ctx, userID, query)
		if err != nil {
			return failed(res, err)
		}
		res.Output = out
	case DeleteDocument:
		filename, err := stringArg(call.Args, "filename")
		if err != nil {
			return failed(res, err)
		}
		res.Output = d.deleteDocument(ctx, userID, filename)
	default:
		res.Err = fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
		res.Output = "unknown tool: " + call.Name
	}
	return res
}

func failed(res Result, err error) Result {
	res.Err = err
	res.Output = fmt.Sprintf("%s failed: %v", res.Name, err)
	return res
}

func (d *Dispatcher) queryDocs(ctx context.Context, userID, query string) (string, error) {
	vec, err := d.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	frags, err := d.store.Search(ctx, userID, vec, d.topK)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}
	if len(frags) == 0 {
		return NoDocumentsFound, nil
	}

	answer, err := d.answerer.Answer(ctx, BuildPrompt(frags, query))
	if err != nil {
		return "", fmt.Errorf("answer: %w", err)
	}
	return answer, nil
}

// BuildPrompt joins the fragments in rank order into the grounding prompt.
func BuildPrompt(frags []semantic.Fragment, query string) string {
	parts := make([]string, len(frags))
	for i, f := range frags {
		parts[i] = f.Content
	}
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s\nAnswer:", strings.Join(parts, "\n\n"), query)
}

// deleteDocument removes chunks, metadata and the stored upload. Each step
// runs even if an earlier one failed.
func (d *Dispatcher) deleteDocument(ctx context.Context, userID, filename string) string {
	log := d.log.With(zap.String("user_id", userID), zap.String("filename", filename))
	if err := d.store.DeleteChunks(ctx, userID, filename); err != nil {
		log.Warn("delete chunks failed", zap.Error(err))
	}
	if err := d.store.DeleteMetadata(ctx, userID, filename); err != nil {
		log.Warn("delete metadata failed", zap.Error(err))
	}
	if d.blobs != nil {
		if err := d.blobs.Delete(ctx, userID, filename); err != nil {
			log.Warn("delete upload failed", zap.Error(err))
		}
	}
	return "Deleted " + filename
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %s must be a string", key)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	return s, nil
}

func (d *Dispatcher) observe(call Call, userID string, res Result, took time.Duration) {
	outcome := "ok"
	switch {
	case errors.Is(res.Err, context.DeadlineExceeded):
		outcome = "timeout"
	case errors.Is(res.Err, ErrUnknownTool):
		outcome = "unknown"
	case res.Err != nil:
		outcome = "error"
	}

	fields := []zap.Field{
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.String("user_id", userID),
		zap.String("outcome", outcome),
		zap.Duration("duration", took),
	}
	if q, ok := call.Args["query"].(string); ok {
		fields = append(fields, zap.String("query", policy.LogSafe(q, 120)))
	}
	if res.Err != nil {
		d.log.Warn("tool call failed", append(fields, zap.Error(res.Err))...)
	} else {
		d.log.Info("tool call", fields...)
	}

	if d.metrics != nil {
		name := call.Name
		if outcome == "unknown" {
			name = "unknown"
		}
		d.metrics.ObserveToolCall(name, outcome, took)
	}
}
