package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     make(http.Header),
	}
}

func TestSendRunSummary(t *testing.T) {
	ctx := context.Background()

	var receivedMethod, receivedPath, receivedBody, receivedTitle, receivedTags string

	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			receivedMethod = r.Method
			receivedPath = r.URL.Path
			receivedTitle = r.Header.Get("Title")
			receivedTags = r.Header.Get("Tags")
			rawBody, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			receivedBody = string(rawBody)
			return okResponse(), nil
		}),
	}

	s := RunSummary{
		RunID:     "run-1",
		Action:    "call-recording-retention",
		Status:    "completed",
		Success:   5,
		Failed:    1,
		FailedIDs: []string{"F"},
	}
	if err := SendRunSummary(ctx, client, "http://example.com/notifications", s); err != nil {
		t.Fatalf("SendRunSummary() error = %v", err)
	}

	if got, want := receivedMethod, http.MethodPost; got != want {
		t.Fatalf("method = %q; want %q", got, want)
	}
	if got, want := receivedPath, "/notifications"; got != want {
		t.Fatalf("path = %q; want %q", got, want)
	}
	if got, want := receivedTitle, "bulkops call-recording-retention: completed"; got != want {
		t.Fatalf("title = %q; want %q", got, want)
	}
	if got, want := receivedTags, "warning"; got != want {
		t.Fatalf("tags = %q; want %q", got, want)
	}
	if !strings.Contains(receivedBody, "Success: 5, Failed: 1, Skipped: 0") || !strings.Contains(receivedBody, "Failed targets: F") {
		t.Fatalf("body = %q", receivedBody)
	}
}

func TestMessageTruncatesFailedList(t *testing.T) {
	ids := make([]string, maxListedFailures+3)
	for i := range ids {
		ids[i] = fmt.Sprintf("L%d", i)
	}
	msg := RunSummary{RunID: "r", Status: "completed", Failed: len(ids), FailedIDs: ids}.Message()
	if !strings.Contains(msg, "(+3 more)") {
		t.Fatalf("message = %q", msg)
	}
	if strings.Contains(msg, fmt.Sprintf("L%d", maxListedFailures)) {
		t.Fatalf("message lists more than %d ids: %q", maxListedFailures, msg)
	}
}

func TestSendReturnsErrorForServerError(t *testing.T) {
	ctx := context.Background()

	client := &http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("server failure")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	err := Send(ctx, client, "http://example.com/notifications", "hello")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "ntfy notification failed") {
		t.Fatalf("error = %q; want to contain %q", err, "ntfy notification failed")
	}
}

func TestSendDisallowsMissingEndpoint(t *testing.T) {
	ctx := context.Background()
	err := Send(ctx, http.DefaultClient, "", "hello")
	if err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}
