package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/dgnsrekt/bulkops/internal/types"
)

// Feature is a static, named bulk operation.
type Feature struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Method      string         `json:"method" yaml:"method"`
	Endpoint    string         `json:"endpoint" yaml:"endpoint"`
	QueryParam  string         `json:"query_param,omitempty" yaml:"query_param,omitempty"`
	Payload     map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Rules       []types.Rule   `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Validate checks the descriptor. A feature with no query parameter must put
// a {id} placeholder in its endpoint.
func (f Feature) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return errors.New("feature name is required")
	}
	_, err := f.Spec(nil)
	return err
}

// Spec builds the request spec, merging input over the default payload.
func (f Feature) Spec(input map[string]any) (Spec, error) {
	var body []byte
	if len(f.Payload) > 0 || len(input) > 0 {
		payload := make(map[string]any, len(f.Payload)+len(input))
		maps.Copy(payload, f.Payload)
		maps.Copy(payload, input)
		b, err := json.Marshal(payload)
		if err != nil {
			return Spec{}, fmt.Errorf("feature %s: encode payload: %w", f.Name, err)
		}
		body = b
	}

	s := Spec{
		Name:    f.Name,
		Method:  strings.ToUpper(f.Method),
		URL:     f.Endpoint,
		Headers: map[string]string{},
		Body:    body,
		Rules:   append([]types.Rule(nil), f.Rules...),
	}
	if f.QueryParam != "" {
		s.Injection = InjectQuery
		s.Key = f.QueryParam
	} else {
		s.Injection = InjectPath
		s.Key = DefaultPathKey
	}

	if err := s.Validate(); err != nil {
		return Spec{}, fmt.Errorf("feature %s: %w", f.Name, err)
	}
	return s, nil
}
