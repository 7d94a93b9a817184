// Package action describes the per-target HTTP mutation a bulk run applies.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/dgnsrekt/bulkops/internal/types"
)

// Injection selects where the target identifier goes in a request.
type Injection string

const (
	InjectPath  Injection = "path"
	InjectQuery Injection = "query"
	InjectBody  Injection = "body"
)

// DefaultPathKey is the placeholder replaced by the target id in path injection.
const DefaultPathKey = "{id}"

// ParseInjection validates an injection mode name.
func ParseInjection(s string) (Injection, error) {
	switch Injection(strings.ToLower(strings.TrimSpace(s))) {
	case InjectPath:
		return InjectPath, nil
	case InjectQuery:
		return InjectQuery, nil
	case InjectBody:
		return InjectBody, nil
	}
	return "", fmt.Errorf("unknown injection %q (want path, query or body)", s)
}

// Request is one fully built call for a single target.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Spec is a request pattern plus the rule for injecting a target id into it.
type Spec struct {
	Name      string            `json:"name"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"-"`
	Injection Injection         `json:"injection"`
	Key       string            `json:"key"`

	// Rules extend the default error classification for this action.
	Rules []types.Rule `json:"rules,omitempty"`
}

// Validate checks that Build can succeed for a non-empty id.
func (s Spec) Validate() error {
	if s.Method == "" {
		return errors.New("method is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be absolute http(s): %q", s.URL)
	}

	switch s.Injection {
	case InjectPath:
		if !strings.Contains(s.URL, s.pathKey()) {
			return fmt.Errorf("url %q has no %s placeholder", s.URL, s.pathKey())
		}
	case InjectQuery, InjectBody:
		if s.Key == "" {
			return fmt.Errorf("%s injection needs a key", s.Injection)
		}
	default:
		return fmt.Errorf("unknown injection %q", s.Injection)
	}

	if s.Injection == InjectBody && len(s.Body) > 0 && !json.Valid(s.Body) {
		return errors.New("body injection needs a JSON body")
	}
	return nil
}

func (s Spec) pathKey() string {
	if s.Key == "" {
		return DefaultPathKey
	}
	return s.Key
}

// Build produces the request for one target. s is never mutated.
func (s Spec) Build(id string) (Request, error) {
	if id == "" {
		return Request{}, errors.New("empty target id")
	}

	req := Request{
		Method:  strings.ToUpper(s.Method),
		URL:     s.URL,
		Headers: types.CloneHeaders(s.Headers),
		Body:    types.CloneBytes(s.Body),
	}

	switch s.Injection {
	case InjectPath:
		key := s.pathKey()
		if !strings.Contains(s.URL, key) {
			return Request{}, fmt.Errorf("url %q has no %s placeholder", s.URL, key)
		}
		req.URL = strings.ReplaceAll(s.URL, key, url.PathEscape(id))

	case InjectQuery:
		u, err := url.Parse(s.URL)
		if err != nil {
			return Request{}, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		q.Set(s.Key, id)
		u.RawQuery = q.Encode()
		req.URL = u.String()

	case InjectBody:
		body := req.Body
		if len(body) == 0 {
			body = []byte("{}")
		}
		out, err := sjson.SetBytes(body, s.Key, id)
		if err != nil {
			return Request{}, fmt.Errorf("inject %s into body: %w", s.Key, err)
		}
		req.Body = out

	default:
		return Request{}, fmt.Errorf("unknown injection %q", s.Injection)
	}

	return req, nil
}

// droppedTemplateHeaders are recomputed by the HTTP client or tied to the
// browser session rather than the API credentials.
var droppedTemplateHeaders = map[string]struct{}{
	"content-length": {},
	"host":           {},
	"cookie":         {},
}

// FromTemplate derives a Spec from a recorded request.
func FromTemplate(tpl types.ActionTemplate, inj Injection, key string) (Spec, error) {
	headers := make(map[string]string, len(tpl.Headers))
	for k, v := range tpl.Headers {
		if _, drop := droppedTemplateHeaders[strings.ToLower(k)]; drop {
			continue
		}
		headers[k] = v
	}

	s := Spec{
		Name:      "template",
		Method:    tpl.Method,
		URL:       tpl.URL,
		Headers:   headers,
		Body:      types.CloneBytes(tpl.Body),
		Injection: inj,
		Key:       key,
	}
	if err := s.Validate(); err != nil {
		return Spec{}, fmt.Errorf("template: %w", err)
	}
	return s, nil
}
