package action

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/dgnsrekt/bulkops/internal/types"
)

func TestSpecBuildInjection(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		id      string
		wantURL string
		check   func(t *testing.T, req Request)
	}{
		{
			name:    "path",
			spec:    Spec{Method: "put", URL: "https://api.example.com/locations/{id}/settings", Injection: InjectPath},
			id:      "L 1",
			wantURL: "https://api.example.com/locations/L%201/settings",
		},
		{
			name:    "query replaces existing value",
			spec:    Spec{Method: "PUT", URL: "https://api.example.com/things?locationId=OLD&x=1", Injection: InjectQuery, Key: "locationId"},
			id:      "L2",
			wantURL: "https://api.example.com/things?locationId=L2&x=1",
		},
		{
			name:    "body",
			spec:    Spec{Method: "POST", URL: "https://api.example.com/things", Injection: InjectBody, Key: "meta.locationId", Body: []byte(`{"a":1}`)},
			id:      "L3",
			wantURL: "https://api.example.com/things",
			check: func(t *testing.T, req Request) {
				if got := gjson.GetBytes(req.Body, "meta.locationId").String(); got != "L3" {
					t.Errorf("body id = %q, want L3", got)
				}
				if got := gjson.GetBytes(req.Body, "a").Int(); got != 1 {
					t.Errorf("body a = %d, want 1", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.spec.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			req, err := tt.spec.Build(tt.id)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if req.URL != tt.wantURL {
				t.Errorf("url = %q, want %q", req.URL, tt.wantURL)
			}
			if tt.check != nil {
				tt.check(t, req)
			}
		})
	}
}

func TestSpecBuildDoesNotMutateSpec(t *testing.T) {
	s := Spec{
		Method:    "POST",
		URL:       "https://api.example.com/things",
		Headers:   map[string]string{"x": "1"},
		Body:      []byte(`{"a":1}`),
		Injection: InjectBody,
		Key:       "id",
	}
	req, err := s.Build("L1")
	if err != nil {
		t.Fatal(err)
	}
	req.Headers["x"] = "2"
	if s.Headers["x"] != "1" {
		t.Error("headers shared with spec")
	}
	if string(s.Body) != `{"a":1}` {
		t.Errorf("spec body changed: %s", s.Body)
	}
}

func TestSpecValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"no method", Spec{URL: "https://x.example/{id}", Injection: InjectPath}},
		{"relative url", Spec{Method: "PUT", URL: "/x/{id}", Injection: InjectPath}},
		{"no placeholder", Spec{Method: "PUT", URL: "https://x.example/", Injection: InjectPath}},
		{"query without key", Spec{Method: "PUT", URL: "https://x.example/", Injection: InjectQuery}},
		{"unknown injection", Spec{Method: "PUT", URL: "https://x.example/", Injection: "header", Key: "k"}},
		{"body not json", Spec{Method: "PUT", URL: "https://x.example/", Injection: InjectBody, Key: "k", Body: []byte("a=b")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.spec.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuildRejectsEmptyID(t *testing.T) {
	s := Spec{Method: "PUT", URL: "https://x.example/{id}", Injection: InjectPath}
	if _, err := s.Build(""); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestFromTemplateDropsSessionHeaders(t *testing.T) {
	tpl := types.ActionTemplate{
		URL:    "https://backend.example.com/phone-system/twilio-accounts?locationId=L0",
		Method: "PUT",
		Headers: map[string]string{
			"Content-Length": "42",
			"host":           "backend.example.com",
			"Cookie":         "a=b",
			"content-type":   "application/json",
		},
		Body: []byte(`{"enabled":true}`),
	}

	s, err := FromTemplate(tpl, InjectQuery, "locationId")
	if err != nil {
		t.Fatalf("FromTemplate: %v", err)
	}
	for _, h := range []string{"Content-Length", "host", "Cookie"} {
		if _, ok := s.Headers[h]; ok {
			t.Errorf("header %q should be dropped", h)
		}
	}
	if s.Headers["content-type"] != "application/json" {
		t.Error("content-type should be kept")
	}

	req, err := s.Build("L9")
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(req.URL)
	if got := u.Query().Get("locationId"); got != "L9" {
		t.Errorf("locationId = %q, want L9", got)
	}
	tpl.Body[0] = 'X'
	if string(req.Body) != `{"enabled":true}` {
		t.Errorf("request body shares template memory: %s", req.Body)
	}
}

func TestBuiltinCallRecordingRetention(t *testing.T) {
	f, ok := Builtin().Get("call-recording-retention")
	if !ok {
		t.Fatal("built-in feature missing")
	}
	s, err := f.Spec(nil)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	req, err := s.Build("LOC1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "PUT" {
		t.Errorf("method = %s, want PUT", req.Method)
	}
	want := "https://backend.leadconnectorhq.com/phone-system/twilio-accounts?locationId=LOC1"
	if req.URL != want {
		t.Errorf("url = %s, want %s", req.URL, want)
	}
	if !gjson.GetBytes(req.Body, "enableCallRecordingDeletion").Bool() {
		t.Error("enableCallRecordingDeletion should be true")
	}
	if got := gjson.GetBytes(req.Body, "callRecordingRetentionPeriod").Int(); got != 60 {
		t.Errorf("retention = %d, want 60", got)
	}
}

func TestFeatureInputOverridesPayload(t *testing.T) {
	s, err := CallRecordingRetention.Spec(map[string]any{"callRecordingRetentionPeriod": 30})
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(s.Body, "callRecordingRetentionPeriod").Int(); got != 30 {
		t.Errorf("retention = %d, want 30", got)
	}
	if CallRecordingRetention.Payload["callRecordingRetentionPeriod"] != 60 {
		t.Error("default payload mutated")
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.yaml")
	content := `features:
  - name: disable-widget
    description: Turn off the chat widget
    method: patch
    endpoint: https://backend.example.com/locations/{id}/widget
    payload:
      enabled: false
    rules:
      - name: widget-missing
        when: 'kind == "http" && status == 404'
        outcome: skipped
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(c.List()) != 2 {
		t.Fatalf("features = %d, want 2", len(c.List()))
	}
	f, ok := c.Get("disable-widget")
	if !ok {
		t.Fatal("disable-widget missing")
	}
	if len(f.Rules) != 1 || f.Rules[0].Outcome != types.OutcomeSkipped {
		t.Errorf("rules = %+v", f.Rules)
	}
	s, err := f.Spec(nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Injection != InjectPath || s.Method != "PATCH" {
		t.Errorf("spec = %+v", s)
	}
}

func TestLoadCatalogRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"no placeholder": "features:\n  - name: bad\n    method: PUT\n    endpoint: https://x.example/things\n",
		"duplicate":      "features:\n  - name: a\n    method: PUT\n    endpoint: https://x.example/{id}\n  - name: a\n    method: PUT\n    endpoint: https://x.example/{id}\n",
		"not yaml":       "features: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "features.yaml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadCatalog(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseInjection(t *testing.T) {
	if inj, err := ParseInjection(" Query "); err != nil || inj != InjectQuery {
		t.Errorf("ParseInjection = %q, %v", inj, err)
	}
	if _, err := ParseInjection("header"); err == nil {
		t.Error("expected error")
	}
}
