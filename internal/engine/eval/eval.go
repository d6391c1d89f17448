// Package eval decides whether a submitted answer moves a job along one of
// its stage's outbound transition rules. It is a pure function over fetched
// rows: no storage access, safe to run in parallel across jobs and tenants.
package eval

import (
	"fmt"
	"strconv"
	"strings"

	"stagecraft/internal/domain"
)

// Outcome of evaluating a response against a stage's rule set.
type Outcome int

const (
	NoMatch Outcome = iota
	Matched
)

func (o Outcome) String() string {
	if o == Matched {
		return "matched"
	}
	return "no_match"
}

// Decision is the evaluator's verdict. When Outcome is Matched, RuleID and
// ToStageID identify the winning edge. Ambiguous is set when more than one
// rule matched and the creation-order tie-break was applied; the caller
// should surface it as a warning, never as a failure.
type Decision struct {
	Outcome          Outcome
	RuleID           string
	FromStageID      string
	ToStageID        string
	Automatic        bool
	RequiresOverride bool
	Ambiguous        bool
	Diagnostics      []string
}

// Normalize trims surrounding whitespace and case-folds. Both the stored
// trigger and the submitted value pass through this before comparison, so
// "Yes", "yes" and " YES " are the same answer. Raw string equality here was
// a confirmed defect in an earlier system and must not come back.
func Normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Evaluate matches a normalized response value against the outbound rules of
// fromStageID that are keyed to questionID. Rules must be supplied in
// creation order; the first matching rule wins when several match.
//
// Broken rows (self-transitions, malformed predicates) and non-numeric input
// to numeric predicates degrade to per-rule diagnostics, never to an error
// that aborts the whole evaluation.
func Evaluate(fromStageID, questionID string, rules []domain.TransitionRule, value string) Decision {
	d := Decision{Outcome: NoMatch, FromStageID: fromStageID}
	normalized := Normalize(value)

	var matches []domain.TransitionRule
	for _, rule := range rules {
		if rule.QuestionID != questionID {
			continue
		}
		if rule.FromStageID != fromStageID {
			d.diag("rule %s: from_stage %s does not match evaluation stage %s", rule.ID, rule.FromStageID, fromStageID)
			continue
		}
		// Defensive re-check: the store rejects self-transitions at write
		// time, but a stored row must still never be applied.
		if rule.ToStageID == rule.FromStageID {
			d.diag("rule %s: self-transition skipped", rule.ID)
			continue
		}
		ok, diag := matchRule(rule, normalized)
		if diag != "" {
			d.diag("rule %s: %s", rule.ID, diag)
		}
		if ok {
			matches = append(matches, rule)
		}
	}

	if len(matches) == 0 {
		return d
	}
	if len(matches) > 1 {
		d.Ambiguous = true
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		d.diag("ambiguous rule set: %d rules matched (%s); applying first-created", len(matches), strings.Join(ids, ", "))
	}
	winner := matches[0]
	d.Outcome = Matched
	d.RuleID = winner.ID
	d.ToStageID = winner.ToStageID
	d.Automatic = winner.IsAutomatic
	d.RequiresOverride = winner.RequiresAdminOverride
	return d
}

func matchRule(rule domain.TransitionRule, normalized string) (bool, string) {
	if rule.HasNumericPredicate() {
		value, err := strconv.ParseFloat(normalized, 64)
		if err != nil {
			return false, fmt.Sprintf("non-numeric value %q for operator %s", normalized, *rule.NumericOperator)
		}
		return matchNumeric(rule, value)
	}
	if rule.TriggerResponse == nil {
		return false, "rule has neither trigger_response nor numeric predicate"
	}
	return Normalize(*rule.TriggerResponse) == normalized, ""
}

func matchNumeric(rule domain.TransitionRule, value float64) (bool, string) {
	if rule.NumericValue == nil {
		return false, "numeric predicate missing numeric_value"
	}
	low := *rule.NumericValue
	switch *rule.NumericOperator {
	case domain.OperatorEq:
		return value == low, ""
	case domain.OperatorLt:
		return value < low, ""
	case domain.OperatorLte:
		return value <= low, ""
	case domain.OperatorGt:
		return value > low, ""
	case domain.OperatorGte:
		return value >= low, ""
	case domain.OperatorBetween:
		if rule.NumericValueMax == nil {
			return false, "between predicate missing numeric_value_max"
		}
		return value >= low && value <= *rule.NumericValueMax, ""
	case domain.OperatorBetweenExclusive:
		if rule.NumericValueMax == nil {
			return false, "between_exclusive predicate missing numeric_value_max"
		}
		return value > low && value < *rule.NumericValueMax, ""
	default:
		return false, fmt.Sprintf("unknown operator %s", *rule.NumericOperator)
	}
}

func (d *Decision) diag(format string, args ...any) {
	d.Diagnostics = append(d.Diagnostics, fmt.Sprintf(format, args...))
}
