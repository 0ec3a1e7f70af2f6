// Package assistant ties classification, orchestration, and formatting
// into one answer per request.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pagenerd/internal/history"
	"pagenerd/internal/intent"
	"pagenerd/internal/orchestrator"
)

const rephraseAnswer = `I could not work out what you are asking for.
Try rephrasing, for example:
- "Find pages about Docker"
- "Show content of 'May Product Roadmap'"
- "Summarize pages mentioning user authentication"
- "Executive summary of the DOCS space"`

// Executor runs one validated intent to completion.
type Executor interface {
	Execute(ctx context.Context, in intent.Intent) (*orchestrator.OperationResult, error)
}

// Renderer turns an operation result into display text.
type Renderer func(*orchestrator.OperationResult) string

// Assistant answers one free-text request at a time.
type Assistant struct {
	classifier intent.Classifier
	executor   Executor
	render     Renderer
	journal    *history.Store // optional
	deadline   time.Duration  // soft per-request bound, 0 disables
	log        *zap.Logger
}

// Options configures an Assistant. Journal may be nil.
type Options struct {
	Classifier intent.Classifier
	Executor   Executor
	Render     Renderer
	Journal    *history.Store
	Deadline   time.Duration
	Logger     *zap.Logger
}

func New(opts Options) *Assistant {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Assistant{
		classifier: opts.Classifier,
		executor:   opts.Executor,
		render:     opts.Render,
		journal:    opts.Journal,
		deadline:   opts.Deadline,
		log:        log,
	}
}

// Ask answers one request. Unparseable text yields a rephrase answer,
// not an error; errors are reserved for failures that make the whole
// run unusable.
func (a *Assistant) Ask(ctx context.Context, text string) (string, error) {
	reqID := uuid.NewString()
	started := time.Now()
	log := a.log.With(zap.String("request_id", reqID))

	if a.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deadline)
		defer cancel()
	}

	in, err := a.classifier.Classify(ctx, text)
	if err != nil {
		if errors.Is(err, intent.ErrUnparseable) {
			log.Info("request was unparseable", zap.String("text", text))
			a.record(text, "unparseable", nil, started)
			return rephraseAnswer, nil
		}
		return "", fmt.Errorf("classify request: %w", err)
	}

	log.Info("request classified", zap.String("kind", string(in.Kind)))

	res, err := a.executor.Execute(ctx, in)
	if err != nil {
		a.record(text, string(in.Kind), nil, started)
		return "", fmt.Errorf("execute %s: %w", in.Kind, err)
	}

	a.record(text, string(in.Kind), res, started)
	return a.render(res), nil
}

func (a *Assistant) record(text, kind string, res *orchestrator.OperationResult, started time.Time) {
	if a.journal == nil {
		return
	}

	e := history.Entry{
		AskedAt:  started,
		Request:  text,
		Kind:     kind,
		Duration: time.Since(started),
		Outcome:  "error",
	}
	if res != nil {
		e.Items = len(res.Items)
		e.Failures = len(res.Failures)
		switch {
		case len(res.Failures) == 0:
			e.Outcome = "ok"
		case len(res.Items) > 0:
			e.Outcome = "partial"
		default:
			e.Outcome = "failed"
		}
	} else if kind == "unparseable" {
		e.Outcome = "unparseable"
	}

	// journaling is best-effort, never in the user's way
	jctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.journal.Record(jctx, e); err != nil {
		a.log.Warn("history record failed", zap.Error(err))
	}
}
