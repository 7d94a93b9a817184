// Package executor applies one action to many targets in fixed-size batches,
// retrying failures with linear backoff and classifying what is left.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dgnsrekt/bulkops/internal/action"
	"github.com/dgnsrekt/bulkops/internal/types"
)

// Defaults match the pacing the remote API tolerates.
const (
	DefaultBatchSize   = 5
	DefaultBatchDelay  = 1000 * time.Millisecond
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2000 * time.Millisecond
	DefaultHTTPTimeout = 30 * time.Second

	maxErrorBodyBytes = 64 * 1024
)

// CancelledMessage is recorded on targets a cancelled run never started.
const CancelledMessage = "run cancelled"

// Config controls batching and retry pacing.
type Config struct {
	BatchSize   int
	BatchDelay  time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	HTTPTimeout time.Duration
}

// DefaultConfig returns the standard pacing.
func DefaultConfig() Config {
	return Config{
		BatchSize:   DefaultBatchSize,
		BatchDelay:  DefaultBatchDelay,
		MaxAttempts: DefaultMaxAttempts,
		BackoffBase: DefaultBackoffBase,
		HTTPTimeout: DefaultHTTPTimeout,
	}
}

// Validate rejects configurations that cannot make progress.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.BatchDelay < 0 || c.BackoffBase < 0 {
		return errors.New("delays must not be negative")
	}
	return nil
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in that case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// BatchReport is delivered after each batch completes. Index is 1-based.
type BatchReport struct {
	Index   int                     `json:"index"`
	Total   int                     `json:"total"`
	Results []types.OperationResult `json:"results"`
}

// ProgressFunc receives batch reports. It is called from the goroutine
// running Run and must not block for long.
type ProgressFunc func(BatchReport)

// Option configures an Executor.
type Option func(*Executor)

// WithSleeper replaces the context-aware timer used for all delays.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(d Doer) Option {
	return func(e *Executor) { e.client = d }
}

// WithClassifier replaces the default classification rules.
func WithClassifier(c *Classifier) Option {
	return func(e *Executor) { e.classifier = c }
}

// Executor runs bulk operations. It holds no per-run state and may run
// several operations concurrently.
type Executor struct {
	cfg        Config
	client     Doer
	sleep      Sleeper
	classifier *Classifier
}

// New creates an Executor.
func New(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.HTTPTimeout},
		sleep:      sleepContext,
		classifier: DefaultClassifier(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the executor's pacing.
func (e *Executor) Config() Config { return e.cfg }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BatchCount returns the number of batches n targets split into.
func (e *Executor) BatchCount(n int) int {
	return (n + e.cfg.BatchSize - 1) / e.cfg.BatchSize
}

// Run applies spec to every target. The returned BatchRun holds exactly one
// result per target, in input order. On cancellation, targets that never
// started are Skipped with CancelledMessage and ctx.Err() is returned along
// with the partial run. Calls already in flight are allowed to finish.
func (e *Executor) Run(ctx context.Context, targets types.TargetSet, creds types.Credentials, spec action.Spec, progress ProgressFunc) (types.BatchRun, error) {
	targets = targets.Clone()
	creds = creds.Clone()

	if err := spec.Validate(); err != nil {
		return types.BatchRun{}, fmt.Errorf("action %s: %w", spec.Name, err)
	}
	classifier, err := e.classifier.With(spec.Rules)
	if err != nil {
		return types.BatchRun{}, fmt.Errorf("action %s: %w", spec.Name, err)
	}

	results := make([]types.OperationResult, len(targets))
	total := e.BatchCount(len(targets))
	slog.Info("bulk run started", "action", spec.Name, "targets", len(targets), "batches", total)

	for b := 0; b < total; b++ {
		start := b * e.cfg.BatchSize
		end := min(start+e.cfg.BatchSize, len(targets))

		if b > 0 {
			if err := e.sleep(ctx, e.cfg.BatchDelay); err != nil {
				return e.cancelled(ctx, results, targets, start)
			}
		}
		if ctx.Err() != nil {
			return e.cancelled(ctx, results, targets, start)
		}

		slog.Debug("batch started", "batch", b+1, "of", total, "targets", targets[start:end])

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = e.runTarget(ctx, targets[i], creds, spec, classifier)
			}(i)
		}
		wg.Wait()

		batch := make([]types.OperationResult, end-start)
		copy(batch, results[start:end])
		slog.Info("batch finished", "batch", b+1, "of", total, "summary", types.BatchRun{Results: batch}.Summary())
		if progress != nil {
			progress(BatchReport{Index: b + 1, Total: total, Results: batch})
		}
	}

	run := types.BatchRun{Results: results}
	slog.Info("bulk run finished", "action", spec.Name, "summary", run.Summary())
	return run, nil
}

func (e *Executor) cancelled(ctx context.Context, results []types.OperationResult, targets types.TargetSet, from int) (types.BatchRun, error) {
	for i := from; i < len(targets); i++ {
		results[i] = types.OperationResult{
			TargetID: targets[i],
			Outcome:  types.OutcomeSkipped,
			Message:  CancelledMessage,
		}
	}
	slog.Warn("bulk run cancelled", "completed", from, "skipped", len(targets)-from)
	return types.BatchRun{Results: results}, ctx.Err()
}

// runTarget makes up to MaxAttempts calls for one target, waiting
// BackoffBase*attempt between them. Cancellation stops further retries.
func (e *Executor) runTarget(ctx context.Context, id string, creds types.Credentials, spec action.Spec, classifier *Classifier) types.OperationResult {
	res := types.OperationResult{TargetID: id}

	req, err := spec.Build(id)
	if err != nil {
		res.Outcome = types.OutcomeFailed
		res.Message = err.Error()
		return res
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		status, err := e.call(ctx, req, creds)
		res.Status = status
		if err == nil {
			res.Outcome = types.OutcomeSuccess
			res.Message = ""
			return res
		}
		lastErr = err
		slog.Warn("target attempt failed", "target", id, "attempt", attempt, "error", err)

		if attempt == e.cfg.MaxAttempts {
			break
		}
		if err := e.sleep(ctx, e.cfg.BackoffBase*time.Duration(attempt)); err != nil {
			break
		}
	}

	outcome, rule := classifier.Classify(lastErr)
	res.Outcome = outcome
	res.Message = errorMessage(lastErr)
	if rule != "" {
		slog.Info("target classified", "target", id, "rule", rule, "outcome", outcome)
	}
	return res
}

// call sends one request. In-flight calls are detached from cancellation so
// a started call always completes.
func (e *Executor) call(ctx context.Context, req action.Request, creds types.Credentials) (int, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), req.Method, req.URL, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range creds {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return resp.StatusCode, nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	msg := gjson.GetBytes(data, "message").String()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return resp.StatusCode, &HTTPStatusError{Status: resp.StatusCode, Message: msg}
}
