package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/bulkops/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAbsentKeysReturnDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Credentials) != 0 {
		t.Errorf("credentials = %v, want empty", snap.Credentials)
	}
	if !snap.CapturedAt.IsZero() {
		t.Errorf("captured_at = %v, want zero", snap.CapturedAt)
	}
	if len(snap.Targets) != 0 {
		t.Errorf("targets = %v, want empty", snap.Targets)
	}
	if snap.Template != nil {
		t.Errorf("template = %+v, want nil", snap.Template)
	}
	if snap.RecordingMode {
		t.Error("recording mode should default to false")
	}
}

func TestRoundTripAndOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	creds := types.NewCredentials()
	creds["authorization"] = "Bearer one"
	if err := s.SaveCredentials(ctx, creds); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	creds["authorization"] = "Bearer two"
	if err := s.SaveCredentials(ctx, creds); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	got, at, err := s.CredentialsWithTime(ctx)
	if err != nil {
		t.Fatalf("CredentialsWithTime: %v", err)
	}
	if got["authorization"] != "Bearer two" {
		t.Errorf("authorization = %q, want Bearer two", got["authorization"])
	}
	if got[types.ChannelHeader] != types.ChannelValue {
		t.Errorf("channel = %q, want %q", got[types.ChannelHeader], types.ChannelValue)
	}
	if at.IsZero() {
		t.Error("expected non-zero capture time")
	}

	if err := s.SaveTargets(ctx, types.TargetSet{"L1", "L2"}); err != nil {
		t.Fatalf("SaveTargets: %v", err)
	}
	targets, err := s.Targets(ctx)
	if err != nil {
		t.Fatalf("Targets: %v", err)
	}
	if len(targets) != 2 || targets[0] != "L1" || targets[1] != "L2" {
		t.Errorf("targets = %v, want [L1 L2]", targets)
	}

	if err := s.SetRecording(ctx, true); err != nil {
		t.Fatalf("SetRecording: %v", err)
	}
	on, err := s.Recording(ctx)
	if err != nil || !on {
		t.Errorf("Recording = %v, %v; want true, nil", on, err)
	}

	tpl := types.ActionTemplate{
		URL:     "https://backend.example.com/things?locationId=L1",
		Method:  "PUT",
		Headers: map[string]string{"authorization": "Bearer two"},
		Body:    []byte(`{"a":1}`),
	}
	if err := s.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
	gotTpl, err := s.Template(ctx)
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if gotTpl == nil || gotTpl.Method != "PUT" || string(gotTpl.Body) != `{"a":1}` {
		t.Errorf("template = %+v", gotTpl)
	}
}

func TestReadsAreIndependentCopies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveCredentials(ctx, types.Credentials{"authorization": "x"}); err != nil {
		t.Fatal(err)
	}
	a, _ := s.Credentials(ctx)
	a["authorization"] = "mutated"

	b, _ := s.Credentials(ctx)
	if b["authorization"] != "x" {
		t.Errorf("store value changed through a read copy: %q", b["authorization"])
	}
}

func TestSubscribersReceiveChanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, ch := s.Subscribe()
	defer s.Unsubscribe(id)

	if err := s.SetRecording(ctx, true); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-ch:
		if c.Key != KeyRecording {
			t.Errorf("key = %q, want %q", c.Key, KeyRecording)
		}
		if string(c.Value) != "true" {
			t.Errorf("value = %s, want true", c.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := openTestStore(t)
	id, ch := s.Subscribe()
	s.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	// second call is a no-op
	s.Unsubscribe(id)
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func TestTakeRecordingConsumesFlagOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if on, err := s.TakeRecording(ctx); err != nil || on {
		t.Fatalf("TakeRecording on empty store = %v, %v; want false, nil", on, err)
	}

	if err := s.SetRecording(ctx, true); err != nil {
		t.Fatal(err)
	}

	const takers = 8
	var wg sync.WaitGroup
	var taken atomic.Int32
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			on, err := s.TakeRecording(ctx)
			if err != nil {
				t.Errorf("TakeRecording: %v", err)
				return
			}
			if on {
				taken.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := taken.Load(); got != 1 {
		t.Errorf("takers seeing recording = %d, want 1", got)
	}
	on, err := s.Recording(ctx)
	if err != nil || on {
		t.Errorf("Recording after take = %v, %v; want false, nil", on, err)
	}
}
