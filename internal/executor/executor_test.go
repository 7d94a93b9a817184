package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/bulkops/internal/action"
	"github.com/dgnsrekt/bulkops/internal/types"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type recordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == d {
			n++
		}
	}
	return n
}

func testSpec(t *testing.T) action.Spec {
	t.Helper()
	s, err := action.CallRecordingRetention.Spec(nil)
	if err != nil {
		t.Fatalf("feature spec: %v", err)
	}
	return s
}

func testCreds() types.Credentials {
	return types.NewCredentials().Merge(map[string]string{"authorization": "Bearer test"})
}

func newTestExecutor(t *testing.T, rt roundTripFunc, sleeper *recordingSleeper) *Executor {
	t.Helper()
	e, err := New(DefaultConfig(),
		WithHTTPClient(&http.Client{Transport: rt}),
		WithSleeper(sleeper.Sleep),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestRunBatchesAndDelays(t *testing.T) {
	tests := []struct {
		n           int
		wantBatches int
	}{
		{0, 0}, {1, 1}, {5, 1}, {6, 2}, {12, 3}, {15, 3},
	}
	for _, tt := range tests {
		sleeper := &recordingSleeper{}
		var inFlight, maxInFlight atomic.Int32
		e := newTestExecutor(t, func(r *http.Request) (*http.Response, error) {
			cur := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			return response(200, `{}`), nil
		}, sleeper)

		ids := make([]string, tt.n)
		for i := range ids {
			ids[i] = fmt.Sprintf("T%02d", i)
		}
		targets := types.NewTargetSet(ids)

		var reports []BatchReport
		run, err := e.Run(context.Background(), targets, testCreds(), testSpec(t), func(r BatchReport) {
			reports = append(reports, r)
		})
		if err != nil {
			t.Fatalf("n=%d: Run: %v", tt.n, err)
		}
		if len(reports) != tt.wantBatches {
			t.Errorf("n=%d: batches = %d, want %d", tt.n, len(reports), tt.wantBatches)
		}
		wantDelays := max(tt.wantBatches-1, 0)
		if got := sleeper.count(DefaultBatchDelay); got != wantDelays {
			t.Errorf("n=%d: batch delays = %d, want %d", tt.n, got, wantDelays)
		}
		if got := len(run.Results); got != len(targets) {
			t.Errorf("n=%d: results = %d, want %d", tt.n, got, len(targets))
		}
		if maxInFlight.Load() > DefaultBatchSize {
			t.Errorf("n=%d: %d concurrent calls exceeds batch size", tt.n, maxInFlight.Load())
		}
		for i, r := range reports {
			if r.Index != i+1 || r.Total != tt.wantBatches {
				t.Errorf("n=%d: report %d index=%d total=%d", tt.n, i, r.Index, r.Total)
			}
		}
	}
}

func TestRunPartialFailure(t *testing.T) {
	sleeper := &recordingSleeper{}
	var fCalls atomic.Int32
	e := newTestExecutor(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Query().Get("locationId") == "F" {
			fCalls.Add(1)
			return nil, errors.New("dial tcp: i/o timeout")
		}
		return response(200, `{"ok":true}`), nil
	}, sleeper)

	targets := types.TargetSet{"A", "B", "C", "D", "E", "F"}
	run, err := e.Run(context.Background(), targets, testCreds(), testSpec(t), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := strings.Join(run.Successful(), ","); got != "A,B,C,D,E" {
		t.Errorf("success = %s, want A,B,C,D,E", got)
	}
	if got := strings.Join(run.Failed(), ","); got != "F" {
		t.Errorf("failed = %s, want F", got)
	}
	if got := run.Skipped(); len(got) != 0 {
		t.Errorf("skipped = %v, want none", got)
	}
	if fCalls.Load() != 3 {
		t.Errorf("F attempts = %d, want 3", fCalls.Load())
	}
	f := run.Results[5]
	if f.Attempts != 3 || !strings.Contains(f.Message, "timeout") {
		t.Errorf("F result = %+v", f)
	}
	if sleeper.count(DefaultBatchDelay) != 1 {
		t.Errorf("batch delays = %d, want 1", sleeper.count(DefaultBatchDelay))
	}
}

func TestRetryBackoffThenSuccess(t *testing.T) {
	sleeper := &recordingSleeper{}
	var calls atomic.Int32
	e := newTestExecutor(t, func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return response(502, `{"message":"bad gateway"}`), nil
		}
		return response(200, `{}`), nil
	}, sleeper)

	run, err := e.Run(context.Background(), types.TargetSet{"L1"}, testCreds(), testSpec(t), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []time.Duration{2000 * time.Millisecond, 4000 * time.Millisecond}
	if len(sleeper.calls) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeper.calls, want)
	}
	for i := range want {
		if sleeper.calls[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, sleeper.calls[i], want[i])
		}
	}

	res := run.Results[0]
	if res.Outcome != types.OutcomeSuccess || res.Attempts != 3 || res.Status != 200 {
		t.Errorf("result = %+v", res)
	}
}

func TestSkippedWhenPhoneSystemMissing(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := newTestExecutor(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Query().Get("locationId") == "NOPHONE" {
			return response(400, `{"message":"Twilio account not found for location"}`), nil
		}
		return response(200, `{}`), nil
	}, sleeper)

	run, err := e.Run(context.Background(), types.TargetSet{"OK", "NOPHONE"}, testCreds(), testSpec(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := run.Skipped(); len(got) != 1 || got[0] != "NOPHONE" {
		t.Errorf("skipped = %v, want [NOPHONE]", got)
	}
	if run.Results[1].Message != "Twilio account not found for location" {
		t.Errorf("message = %q", run.Results[1].Message)
	}
	if run.Results[1].Attempts != DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", run.Results[1].Attempts, DefaultMaxAttempts)
	}
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	var body []byte
	e := newTestExecutor(t, func(r *http.Request) (*http.Response, error) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		return response(200, `{}`), nil
	}, &recordingSleeper{})

	spec := testSpec(t)
	spec.Headers = map[string]string{"authorization": "Bearer from-spec", "x-extra": "1"}

	if _, err := e.Run(context.Background(), types.TargetSet{"L1"}, testCreds(), spec, nil); err != nil {
		t.Fatal(err)
	}

	checks := map[string]string{
		"Accept":        "application/json",
		"Content-Type":  "application/json",
		"Authorization": "Bearer test",
		"Channel":       types.ChannelValue,
		"Source":        types.SourceValue,
		"X-Extra":       "1",
	}
	for k, want := range checks {
		if v := got.Get(k); v != want {
			t.Errorf("%s = %q, want %q", k, v, want)
		}
	}
	if !strings.Contains(string(body), `"callRecordingRetentionPeriod":60`) {
		t.Errorf("body = %s", body)
	}
}

func TestStatusTextFallback(t *testing.T) {
	e := newTestExecutor(t, func(r *http.Request) (*http.Response, error) {
		return response(500, `<html>oops</html>`), nil
	}, &recordingSleeper{})

	run, err := e.Run(context.Background(), types.TargetSet{"L1"}, testCreds(), testSpec(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	res := run.Results[0]
	if res.Outcome != types.OutcomeFailed || res.Message != "Internal Server Error" || res.Status != 500 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newTestExecutor(t, func(r *http.Request) (*http.Response, error) {
		return response(200, `{}`), nil
	}, &recordingSleeper{})

	targets := types.TargetSet{"A", "B", "C", "D", "E", "F", "G"}
	run, err := e.Run(ctx, targets, testCreds(), testSpec(t), func(r BatchReport) {
		if r.Index == 1 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(run.Results) != len(targets) {
		t.Fatalf("results = %d, want %d", len(run.Results), len(targets))
	}
	if got := strings.Join(run.Successful(), ","); got != "A,B,C,D,E" {
		t.Errorf("success = %s", got)
	}
	for _, r := range run.Results[5:] {
		if r.Outcome != types.OutcomeSkipped || r.Message != CancelledMessage || r.Attempts != 0 {
			t.Errorf("cancelled result = %+v", r)
		}
	}
}

func TestRunCoversEveryTargetOnce(t *testing.T) {
	e := newTestExecutor(t, func(r *http.Request) (*http.Response, error) {
		switch r.URL.Query().Get("locationId") {
		case "b", "e":
			return response(500, `{"message":"boom"}`), nil
		case "c":
			return response(404, `{"message":"No Twilio account"}`), nil
		}
		return response(204, ``), nil
	}, &recordingSleeper{})

	targets := types.TargetSet{"a", "b", "c", "d", "e", "f", "g"}
	run, err := e.Run(context.Background(), targets, testCreds(), testSpec(t), nil)
	if err != nil {
		t.Fatal(err)
	}

	seen := map[string]int{}
	for _, bucket := range [][]string{run.Successful(), run.Failed(), run.Skipped()} {
		for _, id := range bucket {
			seen[id]++
		}
	}
	for _, id := range targets {
		if seen[id] != 1 {
			t.Errorf("target %s appears %d times", id, seen[id])
		}
	}
	if len(seen) != len(targets) {
		t.Errorf("buckets hold %d ids, want %d", len(seen), len(targets))
	}
	if s := run.Summary(); s.Success != 4 || s.Failed != 2 || s.Skipped != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestRunRejectsInvalidSpec(t *testing.T) {
	e := newTestExecutor(t, func(r *http.Request) (*http.Response, error) {
		t.Error("no call expected")
		return response(200, `{}`), nil
	}, &recordingSleeper{})

	spec := action.Spec{Name: "broken", Method: "PUT", URL: "https://x.example/", Injection: action.InjectPath}
	if _, err := e.Run(context.Background(), types.TargetSet{"A"}, testCreds(), spec, nil); err == nil {
		t.Error("expected validation error")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 0
	if _, err := New(cfg); err == nil {
		t.Error("expected error for zero batch size")
	}
	cfg = DefaultConfig()
	cfg.MaxAttempts = 0
	if _, err := New(cfg); err == nil {
		t.Error("expected error for zero attempts")
	}
}
