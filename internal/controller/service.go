package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/dgnsrekt/bulkops/internal/action"
	"github.com/dgnsrekt/bulkops/internal/capture"
	"github.com/dgnsrekt/bulkops/internal/executor"
	"github.com/dgnsrekt/bulkops/internal/notify"
	"github.com/dgnsrekt/bulkops/internal/relay"
	"github.com/dgnsrekt/bulkops/internal/runs"
	"github.com/dgnsrekt/bulkops/internal/storage"
	"github.com/dgnsrekt/bulkops/internal/store"
	"github.com/dgnsrekt/bulkops/internal/types"
)

// Defaults used when a run derives its action from the recorded template.
const (
	DefaultTemplateInjection = action.InjectQuery
	DefaultTemplateKey       = "locationId"
)

const notifyTimeout = 10 * time.Second

// StateStore is the captured-state persistence the service reads.
type StateStore interface {
	Snapshot(ctx context.Context) (store.Snapshot, error)
	SetRecording(ctx context.Context, on bool) error
}

// ChangeSource delivers committed store changes.
type ChangeSource interface {
	Subscribe() (int64, <-chan store.Change)
	Unsubscribe(id int64)
}

// Option configures a Service.
type Option func(*Service)

// WithExecutor sets the pacing and executor options every run starts from.
func WithExecutor(cfg executor.Config, opts ...executor.Option) Option {
	return func(s *Service) {
		s.execCfg = cfg
		s.execOpts = opts
	}
}

// WithBroker publishes run progress and capture events.
func WithBroker(b *relay.Broker) Option {
	return func(s *Service) { s.broker = b }
}

// WithAudit writes every per-target result to a JSONL file per run.
func WithAudit(r *storage.WriterRegistry) Option {
	return func(s *Service) { s.audit = r }
}

// WithNotifier posts a summary to an NTFY endpoint when a run finishes.
func WithNotifier(endpoint string, client *http.Client) Option {
	return func(s *Service) {
		s.ntfyEndpoint = endpoint
		s.ntfyClient = client
	}
}

// WithMaxCredentialAge rejects runs whose credentials were captured longer
// ago than d. Zero disables the check.
func WithMaxCredentialAge(d time.Duration) Option {
	return func(s *Service) { s.maxCredAge = d }
}

// WithTabs reports attached browser tabs in State.
func WithTabs(fn func() []types.TabInfo) Option {
	return func(s *Service) { s.tabs = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type activeRun struct {
	rec    runs.Record
	cancel context.CancelFunc
	done   chan struct{}
}

// Service is the application layer shared by the HTTP API and the CLI.
type Service struct {
	state    StateStore
	catalog  *action.Catalog
	runStore *runs.Store

	execCfg      executor.Config
	execOpts     []executor.Option
	broker       *relay.Broker
	audit        *storage.WriterRegistry
	ntfyEndpoint string
	ntfyClient   *http.Client
	maxCredAge   time.Duration
	tabs         func() []types.TabInfo
	now          func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

func NewService(state StateStore, catalog *action.Catalog, runStore *runs.Store, opts ...Option) *Service {
	s := &Service{
		state:    state,
		catalog:  catalog,
		runStore: runStore,
		execCfg:  executor.DefaultConfig(),
		now:      time.Now,
		active:   make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &CodedError{Code: CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

// TemplateInfo describes the recorded action template without its headers.
type TemplateInfo struct {
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	BodyBytes  int       `json:"body_bytes"`
	CapturedAt time.Time `json:"captured_at"`
}

// State is the redacted view of everything captured so far.
type State struct {
	Credentials    map[string]string `json:"credentials"`
	HasCredentials bool              `json:"has_credentials"`
	CapturedAt     *time.Time        `json:"captured_at,omitempty"`
	CredentialAge  string            `json:"credential_age,omitempty"`
	Stale          bool              `json:"stale"`
	Targets        []string          `json:"targets"`
	TargetCount    int               `json:"target_count"`
	Template       *TemplateInfo     `json:"template,omitempty"`
	RecordingMode  bool              `json:"recording_mode"`
	Tabs           []types.TabInfo   `json:"tabs,omitempty"`
	ActiveRuns     int               `json:"active_runs"`
}

// State returns the captured state with secrets redacted.
func (s *Service) State(ctx context.Context) (State, error) {
	snap, err := s.state.Snapshot(ctx)
	if err != nil {
		return State{}, newError(CodeStoreUnavailable, "read captured state", err)
	}

	st := State{
		Credentials:    RedactCredentials(snap.Credentials),
		HasCredentials: snap.Credentials.HasAuthorization(),
		Targets:        []string(snap.Targets.Clone()),
		TargetCount:    len(snap.Targets),
		RecordingMode:  snap.RecordingMode,
	}
	if !snap.CapturedAt.IsZero() {
		at := snap.CapturedAt
		age := s.now().Sub(at)
		st.CapturedAt = &at
		st.CredentialAge = age.Round(time.Second).String()
		st.Stale = s.maxCredAge > 0 && age > s.maxCredAge
	}
	if snap.Template != nil {
		st.Template = &TemplateInfo{
			Method:     snap.Template.Method,
			URL:        snap.Template.URL,
			BodyBytes:  len(snap.Template.Body),
			CapturedAt: snap.Template.CapturedAt,
		}
	}
	if s.tabs != nil {
		st.Tabs = s.tabs()
	}

	s.mu.Lock()
	st.ActiveRuns = len(s.active)
	s.mu.Unlock()
	return st, nil
}

// RedactCredentials masks secret header values, keeping a short prefix.
func RedactCredentials(creds types.Credentials) map[string]string {
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		switch strings.ToLower(k) {
		case types.AuthorizationHeader, types.TokenIDHeader:
			out[k] = redact(v)
		default:
			out[k] = v
		}
	}
	return out
}

func redact(v string) string {
	const keep = 12
	if len(v) <= keep {
		return strings.Repeat("*", len(v))
	}
	return fmt.Sprintf("%s...(%d chars)", v[:keep], len(v))
}

// SetRecording arms or disarms template recording.
func (s *Service) SetRecording(ctx context.Context, on bool) error {
	if err := s.state.SetRecording(ctx, on); err != nil {
		return newError(CodeStoreUnavailable, "set recording mode", err)
	}
	slog.Info("recording mode changed", "on", on)
	return nil
}

// Features lists the available static actions.
func (s *Service) Features() []action.Feature {
	return s.catalog.List()
}

// RunRequest selects an action and its targets.
type RunRequest struct {
	Feature     string         `json:"feature,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	TargetIDs   []string       `json:"target_ids,omitempty"`
	UseTemplate bool           `json:"use_template,omitempty"`
	Injection   string         `json:"injection,omitempty"`
	Key         string         `json:"key,omitempty"`
	BatchSize   int            `json:"batch_size,omitempty"`
}

type preparedRun struct {
	spec    action.Spec
	targets types.TargetSet
	creds   types.Credentials
	exec    *executor.Executor
}

func (s *Service) prepare(ctx context.Context, req RunRequest) (preparedRun, error) {
	if req.BatchSize < 0 {
		return preparedRun{}, newError(CodeValidation, "batch_size must not be negative", nil)
	}

	snap, err := s.state.Snapshot(ctx)
	if err != nil {
		return preparedRun{}, newError(CodeStoreUnavailable, "read captured state", err)
	}

	if !snap.Credentials.HasAuthorization() {
		return preparedRun{}, newError(CodeNoCredentials, "no credentials captured yet; load the location list in the browser first", nil)
	}
	if s.maxCredAge > 0 {
		if age := s.now().Sub(snap.CapturedAt); age > s.maxCredAge {
			return preparedRun{}, newError(CodeStaleCredentials,
				fmt.Sprintf("credentials are %s old (limit %s); refresh the browser session", age.Round(time.Second), s.maxCredAge), nil)
		}
	}

	spec, err := s.resolveSpec(req, snap.Template)
	if err != nil {
		return preparedRun{}, err
	}

	targets := snap.Targets
	if len(req.TargetIDs) > 0 {
		targets = types.NewTargetSet(req.TargetIDs)
	}
	if len(targets) == 0 {
		return preparedRun{}, newError(CodeNoTargets, "no targets captured or given", nil)
	}

	cfg := s.execCfg
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	exec, err := executor.New(cfg, s.execOpts...)
	if err != nil {
		return preparedRun{}, newError(CodeValidation, "executor config", err)
	}

	return preparedRun{spec: spec, targets: targets.Clone(), creds: snap.Credentials.Clone(), exec: exec}, nil
}

func (s *Service) resolveSpec(req RunRequest, tpl *types.ActionTemplate) (action.Spec, error) {
	feature := strings.TrimSpace(req.Feature)
	switch {
	case req.UseTemplate && feature != "":
		return action.Spec{}, newError(CodeValidation, "choose either feature or use_template", nil)

	case req.UseTemplate:
		if tpl == nil {
			return action.Spec{}, newError(CodeNoTemplate, "no action template recorded; enable recording and perform the action once", nil)
		}
		inj := DefaultTemplateInjection
		if req.Injection != "" {
			var err error
			if inj, err = action.ParseInjection(req.Injection); err != nil {
				return action.Spec{}, newError(CodeValidation, err.Error(), nil)
			}
		}
		key := req.Key
		if key == "" && inj != action.InjectPath {
			key = DefaultTemplateKey
		}
		spec, err := action.FromTemplate(*tpl, inj, key)
		if err != nil {
			return action.Spec{}, newError(CodeValidation, "recorded template unusable", err)
		}
		for field, v := range req.Input {
			body := spec.Body
			if len(body) == 0 {
				body = []byte("{}")
			}
			if spec.Body, err = sjson.SetBytes(body, field, v); err != nil {
				return action.Spec{}, newError(CodeValidation, fmt.Sprintf("input %q", field), err)
			}
		}
		return spec, nil

	case feature != "":
		f, ok := s.catalog.Get(feature)
		if !ok {
			return action.Spec{}, newError(CodeValidation, fmt.Sprintf("unknown feature %q", feature), nil)
		}
		spec, err := f.Spec(req.Input)
		if err != nil {
			return action.Spec{}, newError(CodeValidation, "invalid feature input", err)
		}
		return spec, nil
	}

	return action.Spec{}, newError(CodeValidation, "feature or use_template is required", nil)
}

// StartRun validates the request and starts the run in the background.
// Only one run may be active at a time.
func (s *Service) StartRun(ctx context.Context, req RunRequest) (runs.Record, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return runs.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.active {
		return runs.Record{}, newError(CodeConflict, fmt.Sprintf("run %s is still active", id), nil)
	}

	rec := runs.Record{
		ID:        runs.NewID(),
		Feature:   strings.TrimSpace(req.Feature),
		Action:    p.spec.Name,
		Method:    p.spec.Method,
		URL:       p.spec.URL,
		Injection: string(p.spec.Injection),
		Status:    runs.StatusRunning,
		Targets:   len(p.targets),
		Batches:   p.exec.BatchCount(len(p.targets)),
		CreatedAt: s.now().UTC(),
	}
	rec.SetResults([]types.OperationResult{})
	if err := s.runStore.Save(rec); err != nil {
		return runs.Record{}, newError(CodeStoreUnavailable, "persist run", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{rec: rec, cancel: cancel, done: make(chan struct{})}
	s.active[rec.ID] = ar

	s.wg.Add(1)
	go s.execute(runCtx, ar, p)

	slog.Info("run started", "run_id", rec.ID, "action", rec.Action, "targets", rec.Targets, "batches", rec.Batches)
	s.publish(relay.FeedRun, rec)
	return rec.Clone(), nil
}

// RunSync starts a run and blocks until it finishes. Cancelling ctx cancels
// the run; the partial record is still returned.
func (s *Service) RunSync(ctx context.Context, req RunRequest) (runs.Record, error) {
	rec, err := s.StartRun(ctx, req)
	if err != nil {
		return runs.Record{}, err
	}

	s.mu.Lock()
	ar, ok := s.active[rec.ID]
	s.mu.Unlock()
	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			ar.cancel()
			<-ar.done
		}
	}
	return s.GetRun(rec.ID)
}

type resultRecord struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Batch     int       `json:"batch"`
	types.OperationResult
}

type progressEvent struct {
	RunID   string                  `json:"run_id"`
	Index   int                     `json:"index"`
	Total   int                     `json:"total"`
	Summary types.Summary           `json:"summary"`
	Results []types.OperationResult `json:"results"`
}

func (s *Service) execute(ctx context.Context, ar *activeRun, p preparedRun) {
	defer s.wg.Done()
	defer close(ar.done)
	defer ar.cancel()

	id := ar.rec.ID
	var auditW *storage.JSONLWriter
	if s.audit != nil {
		auditW = s.audit.GetWriter("runs", id, "results")
		defer func() {
			if err := s.audit.Release("runs", id); err != nil {
				slog.Warn("failed to close run audit log", "run_id", id, "error", err)
			}
		}()
	}

	progress := func(r executor.BatchReport) {
		s.mu.Lock()
		ar.rec.CompletedBatches = r.Index
		ar.rec.SetResults(append(ar.rec.Results, r.Results...))
		snapshot := ar.rec.Clone()
		s.mu.Unlock()

		if err := s.runStore.Save(snapshot); err != nil {
			slog.Warn("failed to persist run progress", "run_id", id, "error", err)
		}
		if auditW != nil {
			now := time.Now().UTC()
			for _, res := range r.Results {
				_ = auditW.Write(resultRecord{Timestamp: now, RunID: id, Batch: r.Index, OperationResult: res})
			}
		}
		s.publish(relay.FeedProgress, progressEvent{
			RunID:   id,
			Index:   r.Index,
			Total:   r.Total,
			Summary: snapshot.Summary,
			Results: r.Results,
		})
	}

	run, err := p.exec.Run(ctx, p.targets, p.creds, p.spec, progress)

	s.mu.Lock()
	final := ar.rec.Clone()
	s.mu.Unlock()

	final.SetResults(run.Results)
	finished := s.now().UTC()
	final.FinishedAt = &finished
	switch {
	case err == nil:
		final.Status = runs.StatusCompleted
	case errors.Is(err, context.Canceled):
		final.Status = runs.StatusCancelled
	default:
		final.Status = runs.StatusFailed
		final.Error = err.Error()
	}

	if err := s.runStore.Save(final); err != nil {
		slog.Error("failed to persist finished run", "run_id", id, "error", err)
	}
	if auditW != nil {
		now := time.Now().UTC()
		for _, res := range final.Results {
			if res.Message == executor.CancelledMessage {
				_ = auditW.Write(resultRecord{Timestamp: now, RunID: id, OperationResult: res})
			}
		}
	}

	// Active records are never terminal; the persisted copy takes over here.
	s.mu.Lock()
	ar.rec = final
	delete(s.active, id)
	s.mu.Unlock()

	slog.Info("run finished", "run_id", id, "status", final.Status, "success", final.Summary.Success, "failed", final.Summary.Failed, "skipped", final.Summary.Skipped)
	s.publish(relay.FeedRun, final)
	s.sendNotification(final)
}

func (s *Service) sendNotification(rec runs.Record) {
	if s.ntfyEndpoint == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	failed := types.BatchRun{Results: rec.Results}.Failed()
	summary := notify.RunSummary{
		RunID:     rec.ID,
		Action:    rec.Action,
		Status:    string(rec.Status),
		Success:   rec.Summary.Success,
		Failed:    rec.Summary.Failed,
		Skipped:   rec.Summary.Skipped,
		FailedIDs: failed,
	}
	if err := notify.SendRunSummary(ctx, s.ntfyClient, s.ntfyEndpoint, summary); err != nil {
		slog.Warn("run notification failed", "run_id", rec.ID, "error", err)
	}
}

func (s *Service) publish(feed string, v any) {
	if s.broker != nil {
		s.broker.PublishJSON(feed, v)
	}
}

// CancelRun stops an active run. Targets not yet started end up Skipped.
func (s *Service) CancelRun(id string) (runs.Record, error) {
	if err := s.requireNonEmpty(id, "run_id"); err != nil {
		return runs.Record{}, err
	}
	if err := runs.ValidateID(id); err != nil {
		return runs.Record{}, newError(CodeValidation, err.Error(), nil)
	}

	s.mu.Lock()
	ar, ok := s.active[id]
	if ok {
		ar.cancel()
		rec := ar.rec.Clone()
		s.mu.Unlock()
		slog.Info("run cancellation requested", "run_id", id)
		return rec, nil
	}
	s.mu.Unlock()

	rec, err := s.GetRun(id)
	if err != nil {
		return runs.Record{}, err
	}
	return runs.Record{}, newError(CodeConflict, fmt.Sprintf("run %s already %s", id, rec.Status), nil)
}

// GetRun returns the live state of an active run or the persisted record.
func (s *Service) GetRun(id string) (runs.Record, error) {
	if err := s.requireNonEmpty(id, "run_id"); err != nil {
		return runs.Record{}, err
	}
	if err := runs.ValidateID(id); err != nil {
		return runs.Record{}, newError(CodeValidation, err.Error(), nil)
	}

	s.mu.Lock()
	if ar, ok := s.active[id]; ok {
		rec := ar.rec.Clone()
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()

	rec, err := s.runStore.Get(id)
	if errors.Is(err, runs.ErrNotFound) {
		return runs.Record{}, newError(CodeNotFound, "run not found: "+id, nil)
	}
	if err != nil {
		return runs.Record{}, newError(CodeStoreUnavailable, "read run", err)
	}
	return rec, nil
}

// ListRuns returns all runs, newest first.
func (s *Service) ListRuns() ([]runs.Record, error) {
	recs, err := s.runStore.List()
	if err != nil {
		return nil, newError(CodeStoreUnavailable, "list runs", err)
	}

	s.mu.Lock()
	for i, rec := range recs {
		if ar, ok := s.active[rec.ID]; ok {
			recs[i] = ar.rec.Clone()
		}
	}
	s.mu.Unlock()

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}

// CaptureUpdated publishes what a capture session just stored.
func (s *Service) CaptureUpdated(tab types.TabInfo, u capture.Update) {
	slog.Debug("capture updated", "tab", tab.BrowserID, "credentials", u.CredentialsUpdated, "targets", u.TargetsUpdated, "template", u.TemplateUpdated)
	s.publish(relay.FeedCapture, struct {
		Tab types.TabInfo `json:"tab"`
		capture.Update
	}{tab, u})
}

// ForwardStoreChanges republishes store commits on the store feed, with
// credentials redacted, until ctx is done.
func (s *Service) ForwardStoreChanges(ctx context.Context, src ChangeSource) {
	if s.broker == nil {
		return
	}
	id, ch := src.Subscribe()
	defer src.Unsubscribe(id)

	relay.Forward(ctx, s.broker, relay.FeedStore, ch, redactChange)
}

func redactChange(c store.Change) (any, bool) {
	if c.Key != store.KeyCredentials {
		return c, true
	}
	var creds types.Credentials
	if err := json.Unmarshal(c.Value, &creds); err != nil {
		return nil, false
	}
	return struct {
		Key   store.Key         `json:"key"`
		Value map[string]string `json:"value"`
		At    time.Time         `json:"at"`
	}{c.Key, RedactCredentials(creds), c.At}, true
}

// Close cancels active runs and waits for them to finish.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	for _, ar := range s.active {
		ar.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
