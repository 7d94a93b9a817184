package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dgnsrekt/bulkops/internal/types"
)

// Store is the persistence the Correlator publishes into.
type Store interface {
	Credentials(ctx context.Context) (types.Credentials, error)
	SaveCredentials(ctx context.Context, creds types.Credentials) error
	SaveTargets(ctx context.Context, targets types.TargetSet) error
	SaveTemplate(ctx context.Context, tpl types.ActionTemplate) error
	// TakeRecording reports whether recording mode was on and clears it
	// atomically.
	TakeRecording(ctx context.Context) (bool, error)
}

// BodySource fetches the response payload of a completed exchange.
type BodySource func(ctx context.Context, correlationID string) ([]byte, error)

// AuditWriter receives one record per published capture. *storage.JSONLWriter
// satisfies it.
type AuditWriter interface {
	Write(record any) error
}

// ParseError is a target-listing response that could not be read.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.URL, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// ErrNoLocations is wrapped in a ParseError when the body lacks a locations array.
var ErrNoLocations = errors.New("response has no locations array")

// Update reports what a single event caused to be published.
type Update struct {
	CredentialsUpdated bool `json:"credentials_updated"`
	TargetsUpdated     bool `json:"targets_updated"`
	TemplateUpdated    bool `json:"template_updated"`
}

// Any reports whether anything was published.
func (u Update) Any() bool {
	return u.CredentialsUpdated || u.TargetsUpdated || u.TemplateUpdated
}

// Config controls what the Correlator treats as a target listing.
type Config struct {
	// TargetPattern matches target-listing request URLs.
	TargetPattern string
	// IDField is the gjson path of the identifier inside each locations entry.
	IDField string
	// PendingTTL bounds how long an exchange may wait for completion.
	PendingTTL time.Duration
	// MaxAuditBodyBytes caps template bodies written to the audit log.
	MaxAuditBodyBytes int
}

// Correlator pairs lifecycle events of one browsing session and publishes
// credentials, target lists and action templates. Events must be delivered
// from a single goroutine.
type Correlator struct {
	store  Store
	body   BodySource
	audit  AuditWriter
	target *regexp.Regexp
	idPath string
	ttl    time.Duration
	maxAud int

	pending   map[string]*types.PendingExchange
	pendingMu sync.Mutex
}

// New creates a Correlator. audit may be nil.
func New(cfg Config, store Store, body BodySource, audit AuditWriter) (*Correlator, error) {
	if cfg.TargetPattern == "" {
		return nil, errors.New("capture: target pattern is required")
	}
	re, err := regexp.Compile(cfg.TargetPattern)
	if err != nil {
		return nil, fmt.Errorf("capture: target pattern: %w", err)
	}
	if cfg.IDField == "" {
		return nil, errors.New("capture: id field is required")
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 5 * time.Minute
	}
	return &Correlator{
		store:   store,
		body:    body,
		audit:   audit,
		target:  re,
		idPath:  cfg.IDField,
		ttl:     cfg.PendingTTL,
		maxAud:  cfg.MaxAuditBodyBytes,
		pending: make(map[string]*types.PendingExchange),
	}, nil
}

// Pending returns the number of open exchanges.
func (c *Correlator) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Process handles one event. Nothing here returns an error: parse failures,
// unmatched ids and store failures are logged and reported as not updated.
func (c *Correlator) Process(ctx context.Context, ev types.TrafficEvent) Update {
	switch ev.Phase {
	case types.PhaseInitiated:
		return c.onInitiated(ctx, ev)
	case types.PhaseStatusReceived:
		c.onStatus(ev)
	case types.PhaseCompleted:
		return c.onCompleted(ctx, ev)
	default:
		slog.Debug("unknown traffic phase", "phase", ev.Phase, "correlation_id", ev.CorrelationID)
	}
	return Update{}
}

func (c *Correlator) onInitiated(ctx context.Context, ev types.TrafficEvent) Update {
	if ev.Method == http.MethodOptions {
		return Update{}
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	c.pendingMu.Lock()
	if _, dup := c.pending[ev.CorrelationID]; dup {
		slog.Debug("replacing pending exchange", "correlation_id", ev.CorrelationID)
	}
	c.pending[ev.CorrelationID] = &types.PendingExchange{
		URL:       ev.URL,
		Method:    ev.Method,
		Headers:   types.CloneHeaders(ev.Headers),
		Body:      types.CloneBytes(ev.Body),
		CreatedAt: ts,
	}
	c.pendingMu.Unlock()

	var u Update
	if c.target.MatchString(ev.URL) {
		u.CredentialsUpdated = c.captureCredentials(ctx, ev)
	}

	if ev.Method != http.MethodGet {
		credsUpdated, tplUpdated := c.recordTemplate(ctx, ev)
		u.CredentialsUpdated = u.CredentialsUpdated || credsUpdated
		u.TemplateUpdated = tplUpdated
	}
	return u
}

func (c *Correlator) captureCredentials(ctx context.Context, ev types.TrafficEvent) bool {
	observed := make(map[string]string, 3)
	for _, name := range []string{types.AuthorizationHeader, types.TokenIDHeader, types.VersionHeader} {
		if v, ok := types.HeaderValue(ev.Headers, name); ok && v != "" {
			observed[name] = v
		}
	}
	if observed[types.AuthorizationHeader] == "" && observed[types.TokenIDHeader] == "" {
		slog.Debug("target listing request without credentials", "url", ev.URL)
		return false
	}

	creds := types.NewCredentials().Merge(observed)
	if err := c.store.SaveCredentials(ctx, creds); err != nil {
		slog.Error("failed to save credentials", "error", err)
		return false
	}

	slog.Info("credentials captured", "url", ev.URL, "headers", len(creds))
	c.writeAudit(auditRecord{Kind: "credentials", URL: ev.URL, Method: ev.Method, Count: len(creds)})
	return true
}

// recordTemplate freezes the first non-GET request seen while recording is on.
func (c *Correlator) recordTemplate(ctx context.Context, ev types.TrafficEvent) (credsUpdated, tplUpdated bool) {
	on, err := c.store.TakeRecording(ctx)
	if err != nil {
		slog.Error("failed to take recording flag", "error", err)
		return false, false
	}
	if !on {
		return false, false
	}

	if v, ok := types.HeaderValue(ev.Headers, types.VersionHeader); ok && v != "" {
		current, err := c.store.Credentials(ctx)
		if err != nil {
			slog.Error("failed to read credentials", "error", err)
		} else if err := c.store.SaveCredentials(ctx, current.Merge(map[string]string{types.VersionHeader: v})); err != nil {
			slog.Error("failed to save credentials", "error", err)
		} else {
			credsUpdated = true
		}
	}

	tpl := types.ActionTemplate{
		URL:        ev.URL,
		Method:     ev.Method,
		Headers:    types.CloneHeaders(ev.Headers),
		Body:       types.CloneBytes(ev.Body),
		CapturedAt: time.Now().UTC(),
	}
	if err := c.store.SaveTemplate(ctx, tpl); err != nil {
		slog.Error("failed to save action template", "error", err)
		return credsUpdated, false
	}

	slog.Info("action template recorded", "method", tpl.Method, "url", tpl.URL)
	c.writeAudit(auditRecord{
		Kind:      "template",
		URL:       tpl.URL,
		Method:    tpl.Method,
		auditBody: clipBody(tpl.Body, c.maxAud),
	})
	return credsUpdated, true
}

func (c *Correlator) onStatus(ev types.TrafficEvent) {
	if ev.Status >= 200 && ev.Status < 300 {
		return
	}
	c.pendingMu.Lock()
	_, ok := c.pending[ev.CorrelationID]
	delete(c.pending, ev.CorrelationID)
	c.pendingMu.Unlock()

	if ok {
		slog.Debug("dropping exchange on non-success status", "correlation_id", ev.CorrelationID, "status", ev.Status)
	}
}

func (c *Correlator) onCompleted(ctx context.Context, ev types.TrafficEvent) Update {
	c.pendingMu.Lock()
	exchange, ok := c.pending[ev.CorrelationID]
	c.pendingMu.Unlock()
	if !ok {
		slog.Debug("completion for unknown exchange", "correlation_id", ev.CorrelationID)
		return Update{}
	}
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, ev.CorrelationID)
		c.pendingMu.Unlock()
	}()

	if ev.Failed || !c.target.MatchString(exchange.URL) {
		return Update{}
	}
	if c.body == nil {
		slog.Warn("no body source, cannot read target listing", "url", exchange.URL)
		return Update{}
	}

	body, err := c.body(ctx, ev.CorrelationID)
	if err != nil {
		slog.Warn("failed to fetch target listing body", "url", exchange.URL, "error", err)
		return Update{}
	}

	targets, err := ExtractTargets(exchange.URL, body, c.idPath)
	if err != nil {
		slog.Warn("target listing not usable", "error", err)
		return Update{}
	}

	if err := c.store.SaveTargets(ctx, targets); err != nil {
		slog.Error("failed to save targets", "error", err)
		return Update{}
	}

	slog.Info("targets captured", "url", exchange.URL, "count", len(targets))
	c.writeAudit(auditRecord{Kind: "targets", URL: exchange.URL, Method: exchange.Method, Count: len(targets), Targets: targets})
	return Update{TargetsUpdated: true}
}

// Sweep drops exchanges created before now minus the TTL and returns how
// many were dropped.
func (c *Correlator) Sweep(now time.Time) int {
	threshold := now.Add(-c.ttl)

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	dropped := 0
	for id, p := range c.pending {
		if p.CreatedAt.Before(threshold) {
			delete(c.pending, id)
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("swept stale exchanges", "dropped", dropped, "remaining", len(c.pending))
	}
	return dropped
}

// ExtractTargets reads the identifier at idPath from every entry of the
// body's locations array. Entries without a usable identifier are skipped.
func ExtractTargets(url string, body []byte, idPath string) (types.TargetSet, error) {
	if !gjson.ValidBytes(body) {
		return nil, &ParseError{URL: url, Err: errors.New("invalid JSON")}
	}
	locations := gjson.GetBytes(body, "locations")
	if !locations.IsArray() {
		return nil, &ParseError{URL: url, Err: ErrNoLocations}
	}

	var ids []string
	missing := 0
	locations.ForEach(func(_, entry gjson.Result) bool {
		v := entry.Get(idPath)
		switch v.Type {
		case gjson.String, gjson.Number:
			ids = append(ids, v.String())
		default:
			missing++
		}
		return true
	})
	if missing > 0 {
		slog.Warn("location entries without identifier", "field", idPath, "skipped", missing)
	}
	return types.NewTargetSet(ids), nil
}

type auditRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	URL       string    `json:"url"`
	Method    string    `json:"method,omitempty"`
	Count     int       `json:"count,omitempty"`
	Targets   []string  `json:"targets,omitempty"`
	auditBody
}

func (c *Correlator) writeAudit(rec auditRecord) {
	if c.audit == nil {
		return
	}
	rec.Timestamp = time.Now().UTC()
	if err := c.audit.Write(rec); err != nil {
		slog.Debug("capture audit write failed", "kind", rec.Kind, "error", err)
	}
}
