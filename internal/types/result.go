package types

// Outcome is the terminal classification of one target in a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// OperationResult is the final state of a single target.
type OperationResult struct {
	TargetID string  `json:"target_id"`
	Outcome  Outcome `json:"outcome"`
	Message  string  `json:"message,omitempty"`
	Attempts int     `json:"attempts"`
	Status   int     `json:"status,omitempty"`
}

// BatchRun holds one result per input target, in input order.
type BatchRun struct {
	Results []OperationResult `json:"results"`
}

// Summary counts results per outcome.
type Summary struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (r BatchRun) ids(o Outcome) []string {
	out := []string{}
	for _, res := range r.Results {
		if res.Outcome == o {
			out = append(out, res.TargetID)
		}
	}
	return out
}

// Successful returns the ids bucketed as success.
func (r BatchRun) Successful() []string { return r.ids(OutcomeSuccess) }

// Failed returns the ids bucketed as failed.
func (r BatchRun) Failed() []string { return r.ids(OutcomeFailed) }

// Skipped returns the ids bucketed as skipped.
func (r BatchRun) Skipped() []string { return r.ids(OutcomeSkipped) }

// Summary returns outcome counts.
func (r BatchRun) Summary() Summary {
	var s Summary
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeSuccess:
			s.Success++
		case OutcomeFailed:
			s.Failed++
		case OutcomeSkipped:
			s.Skipped++
		}
	}
	return s
}

// FailedResults returns the failed results with their final messages.
func (r BatchRun) FailedResults() []OperationResult {
	out := []OperationResult{}
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// Rule maps an error signature to an outcome. When is a boolean expression
// evaluated against the error's kind, HTTP status and message.
type Rule struct {
	Name    string  `json:"name" yaml:"name"`
	When    string  `json:"when" yaml:"when"`
	Outcome Outcome `json:"outcome" yaml:"outcome"`
}
