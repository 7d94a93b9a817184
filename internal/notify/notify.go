package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxListedFailures = 20

// RunSummary is what a completion notification reports.
type RunSummary struct {
	RunID     string
	Action    string
	Status    string
	Success   int
	Failed    int
	Skipped   int
	FailedIDs []string
}

// Title is the short notification title.
func (s RunSummary) Title() string {
	return fmt.Sprintf("bulkops %s: %s", s.Action, s.Status)
}

// Message renders the counts and, when any failed, the failed ids.
func (s RunSummary) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s %s. Success: %d, Failed: %d, Skipped: %d.", s.RunID, s.Status, s.Success, s.Failed, s.Skipped)
	if len(s.FailedIDs) > 0 {
		ids := s.FailedIDs
		more := 0
		if len(ids) > maxListedFailures {
			more = len(ids) - maxListedFailures
			ids = ids[:maxListedFailures]
		}
		fmt.Fprintf(&b, " Failed targets: %s", strings.Join(ids, ", "))
		if more > 0 {
			fmt.Fprintf(&b, " (+%d more)", more)
		}
	}
	return b.String()
}

// SendRunSummary posts a run summary to an NTFY endpoint.
func SendRunSummary(ctx context.Context, client *http.Client, endpoint string, s RunSummary) error {
	tags := "white_check_mark"
	if s.Failed > 0 || s.Status != "completed" {
		tags = "warning"
	}
	return send(ctx, client, endpoint, s.Message(), map[string]string{
		"Title": s.Title(),
		"Tags":  tags,
	})
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	return send(ctx, client, endpoint, message, nil)
}

func send(ctx context.Context, client *http.Client, endpoint, message string, headers map[string]string) error {
	if endpoint == "" {
		return errors.New("ntfy endpoint is empty")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
