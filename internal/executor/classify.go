package executor

import (
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dgnsrekt/bulkops/internal/types"
)

// Error kinds exposed to classification rules as "kind".
const (
	KindTransport = "transport"
	KindHTTP      = "http"
	KindOther     = "other"
)

// DefaultRules is the built-in error signature table. Rules are checked in
// order and the first match wins; an error matching nothing is Failed.
var DefaultRules = []types.Rule{
	{
		// The target has no phone system provisioned, so there is nothing to change.
		Name:    "missing-phone-system",
		When:    `kind == "http" && message matches "(?i)twilio account (not found|does not exist)|no twilio account"`,
		Outcome: types.OutcomeSkipped,
	},
}

type compiledRule struct {
	rule    types.Rule
	program *vm.Program
}

// Classifier maps exhausted errors to Failed or Skipped.
type Classifier struct {
	rules []compiledRule
}

func ruleEnv() map[string]any {
	return map[string]any{
		"kind":    "",
		"status":  0,
		"message": "",
	}
}

// NewClassifier compiles rules. Every rule must evaluate to a bool and carry
// a failed or skipped outcome.
func NewClassifier(rules []types.Rule) (*Classifier, error) {
	c := &Classifier{}
	for _, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// DefaultClassifier returns a classifier over DefaultRules.
func DefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultRules)
	if err != nil {
		panic(fmt.Sprintf("default classification rules: %v", err))
	}
	return c
}

func compileRule(r types.Rule) (compiledRule, error) {
	if r.Name == "" {
		return compiledRule{}, errors.New("classification rule needs a name")
	}
	if r.Outcome != types.OutcomeFailed && r.Outcome != types.OutcomeSkipped {
		return compiledRule{}, fmt.Errorf("rule %s: outcome must be failed or skipped, got %q", r.Name, r.Outcome)
	}
	program, err := expr.Compile(r.When, expr.Env(ruleEnv()), expr.AsBool())
	if err != nil {
		return compiledRule{}, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	return compiledRule{rule: r, program: program}, nil
}

// With returns a classifier that checks extra before the receiver's rules.
func (c *Classifier) With(extra []types.Rule) (*Classifier, error) {
	if len(extra) == 0 {
		return c, nil
	}
	head, err := NewClassifier(extra)
	if err != nil {
		return nil, err
	}
	out := &Classifier{rules: make([]compiledRule, 0, len(head.rules)+len(c.rules))}
	out.rules = append(out.rules, head.rules...)
	out.rules = append(out.rules, c.rules...)
	return out, nil
}

// Classify returns the outcome for err and the name of the matching rule,
// which is empty when no rule matched.
func (c *Classifier) Classify(err error) (types.Outcome, string) {
	if err == nil {
		return types.OutcomeSuccess, ""
	}

	env := ruleEnv()
	var httpErr *HTTPStatusError
	var transportErr *TransportError
	switch {
	case errors.As(err, &httpErr):
		env["kind"] = KindHTTP
		env["status"] = httpErr.Status
		env["message"] = httpErr.Message
	case errors.As(err, &transportErr):
		env["kind"] = KindTransport
		env["message"] = transportErr.Err.Error()
	default:
		env["kind"] = KindOther
		env["message"] = err.Error()
	}

	for _, r := range c.rules {
		out, runErr := expr.Run(r.program, env)
		if runErr != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return r.rule.Outcome, r.rule.Name
		}
	}
	return types.OutcomeFailed, ""
}
