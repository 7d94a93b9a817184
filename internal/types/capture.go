package types

import "time"

// Fixed credential values the remote API expects from the web client.
const (
	ChannelHeader = "channel"
	SourceHeader  = "source"
	ChannelValue  = "APP"
	SourceValue   = "WEB_USER"
)

// Header names captured from target-listing requests.
const (
	AuthorizationHeader = "authorization"
	TokenIDHeader       = "token-id"
	VersionHeader       = "version"
)

// Credentials maps header name to value. It is always replaced as a whole.
type Credentials map[string]string

// NewCredentials returns credentials holding only the fixed constants.
func NewCredentials() Credentials {
	return Credentials{
		ChannelHeader: ChannelValue,
		SourceHeader:  SourceValue,
	}
}

// Clone returns an independent copy.
func (c Credentials) Clone() Credentials {
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns a copy of c with extra applied on top, then the fixed
// constants re-applied so they can never be overridden.
func (c Credentials) Merge(extra map[string]string) Credentials {
	out := c.Clone()
	for k, v := range extra {
		out[k] = v
	}
	out[ChannelHeader] = ChannelValue
	out[SourceHeader] = SourceValue
	return out
}

// HasAuthorization reports whether an authorization value was captured.
func (c Credentials) HasAuthorization() bool {
	return c[AuthorizationHeader] != ""
}

// ActionTemplate is a recorded mutation request used as a pattern for bulk
// calls. It is frozen once captured; callers receive copies.
type ActionTemplate struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
}

// Clone returns a deep copy of the template.
func (t ActionTemplate) Clone() ActionTemplate {
	t.Headers = CloneHeaders(t.Headers)
	t.Body = CloneBytes(t.Body)
	return t
}

// TargetSet is an ordered, duplicate-free list of target identifiers.
type TargetSet []string

// NewTargetSet builds a TargetSet from ids, dropping empty values and
// duplicates while keeping first-occurrence order.
func NewTargetSet(ids []string) TargetSet {
	seen := make(map[string]struct{}, len(ids))
	out := make(TargetSet, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Clone returns an independent copy.
func (s TargetSet) Clone() TargetSet {
	out := make(TargetSet, len(s))
	copy(out, s)
	return out
}
