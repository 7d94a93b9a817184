package types

import (
	"strings"
	"time"
)

// Phase is the lifecycle stage of one observed request/response exchange.
type Phase string

const (
	PhaseInitiated      Phase = "initiated"
	PhaseStatusReceived Phase = "statusReceived"
	PhaseCompleted      Phase = "completed"
)

// TrafficEvent is a single lifecycle event delivered by the traffic observer.
// All phases of one exchange share the same CorrelationID.
type TrafficEvent struct {
	CorrelationID string
	Phase         Phase
	URL           string
	Method        string
	Headers       map[string]string
	Body          []byte

	// Status is set for PhaseStatusReceived.
	Status int

	// Failed marks a PhaseCompleted event produced by a network-level failure.
	// The exchange is closed but no response body is available.
	Failed    bool
	ErrorText string

	Timestamp time.Time
}

// PendingExchange tracks an in-flight request waiting for completion.
type PendingExchange struct {
	URL       string
	Method    string
	Headers   map[string]string
	Body      []byte
	CreatedAt time.Time
}

// HeaderValue returns the value of the named header, matching case-insensitively.
func HeaderValue(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// CloneHeaders returns a shallow copy of a header map. A nil map stays nil.
func CloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// CloneBytes returns a copy of b. A nil slice stays nil.
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
