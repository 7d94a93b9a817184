package executor

import (
	"errors"
	"testing"

	"github.com/dgnsrekt/bulkops/internal/types"
)

func TestDefaultClassifier(t *testing.T) {
	c := DefaultClassifier()
	tests := []struct {
		name     string
		err      error
		want     types.Outcome
		wantRule string
	}{
		{"missing twilio account", &HTTPStatusError{Status: 400, Message: "Twilio account not found"}, types.OutcomeSkipped, "missing-phone-system"},
		{"twilio does not exist", &HTTPStatusError{Status: 404, Message: "twilio account does not exist"}, types.OutcomeSkipped, "missing-phone-system"},
		{"other http", &HTTPStatusError{Status: 500, Message: "internal"}, types.OutcomeFailed, ""},
		{"transport mentioning twilio", &TransportError{Err: errors.New("no twilio account")}, types.OutcomeFailed, ""},
		{"plain", errors.New("boom"), types.OutcomeFailed, ""},
		{"nil", nil, types.OutcomeSuccess, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rule := c.Classify(tt.err)
			if got != tt.want || rule != tt.wantRule {
				t.Errorf("Classify = %s/%q, want %s/%q", got, rule, tt.want, tt.wantRule)
			}
		})
	}
}

func TestClassifierWithExtraRulesFirst(t *testing.T) {
	c, err := DefaultClassifier().With([]types.Rule{
		{Name: "gone", When: `kind == "http" && status == 410`, Outcome: types.OutcomeSkipped},
		{Name: "twilio-is-fatal", When: `message contains "Twilio"`, Outcome: types.OutcomeFailed},
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}

	if got, rule := c.Classify(&HTTPStatusError{Status: 410, Message: "gone"}); got != types.OutcomeSkipped || rule != "gone" {
		t.Errorf("410 = %s/%s", got, rule)
	}
	if got, rule := c.Classify(&HTTPStatusError{Status: 400, Message: "Twilio account not found"}); got != types.OutcomeFailed || rule != "twilio-is-fatal" {
		t.Errorf("twilio = %s/%s, extra rules should win", got, rule)
	}
}

func TestNewClassifierRejectsBadRules(t *testing.T) {
	tests := []types.Rule{
		{Name: "", When: "true", Outcome: types.OutcomeSkipped},
		{Name: "not-bool", When: `status + 1`, Outcome: types.OutcomeSkipped},
		{Name: "unknown-var", When: `code == 1`, Outcome: types.OutcomeSkipped},
		{Name: "success-outcome", When: "true", Outcome: types.OutcomeSuccess},
	}
	for _, r := range tests {
		t.Run(r.Name, func(t *testing.T) {
			if _, err := NewClassifier([]types.Rule{r}); err == nil {
				t.Error("expected error")
			}
		})
	}
}
