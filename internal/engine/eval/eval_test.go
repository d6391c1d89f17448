package eval_test

import (
	"strings"
	"testing"

	"stagecraft/internal/domain"
	"stagecraft/internal/engine/eval"
)

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

func rule(id string, mut func(*domain.TransitionRule)) domain.TransitionRule {
	tr := domain.TransitionRule{
		ID:          id,
		FromStageID: "s1",
		ToStageID:   "s2",
		QuestionID:  "q1",
		CreatedAt:   "2026-01-01T00:00:00Z",
	}
	if mut != nil {
		mut(&tr)
	}
	return tr
}

func TestNormalizeFoldsCaseAndWhitespace(t *testing.T) {
	for _, in := range []string{"Yes", "yes", " YES ", "\tyEs\n"} {
		if got := eval.Normalize(in); got != "yes" {
			t.Fatalf("Normalize(%q) = %q, want yes", in, got)
		}
	}
}

func TestTriggerMatchIsCaseAndWhitespaceInsensitive(t *testing.T) {
	rules := []domain.TransitionRule{
		rule("r1", func(tr *domain.TransitionRule) { tr.TriggerResponse = strPtr("Yes") }),
	}
	for _, value := range []string{"yes", "Yes", "  YES  "} {
		d := eval.Evaluate("s1", "q1", rules, value)
		if d.Outcome != eval.Matched || d.RuleID != "r1" || d.ToStageID != "s2" {
			t.Fatalf("value %q: got %+v, want match on r1", value, d)
		}
	}
	if d := eval.Evaluate("s1", "q1", rules, "no"); d.Outcome != eval.NoMatch {
		t.Fatalf("value no: got %+v, want no match", d)
	}
}

func TestNumericOperators(t *testing.T) {
	cases := []struct {
		op    string
		value float64
		max   *float64
		input string
		want  bool
	}{
		{domain.OperatorEq, 5, nil, "5", true},
		{domain.OperatorEq, 5, nil, "5.0", true},
		{domain.OperatorEq, 5, nil, "6", false},
		{domain.OperatorLt, 10, nil, "9.99", true},
		{domain.OperatorLt, 10, nil, "10", false},
		{domain.OperatorLte, 10, nil, "10", true},
		{domain.OperatorGt, 10, nil, "10", false},
		{domain.OperatorGt, 10, nil, "10.01", true},
		{domain.OperatorGte, 10, nil, "10", true},
		{domain.OperatorBetween, 10, floatPtr(20), "10", true},
		{domain.OperatorBetween, 10, floatPtr(20), "20", true},
		{domain.OperatorBetween, 10, floatPtr(20), "15", true},
		{domain.OperatorBetween, 10, floatPtr(20), "9.9", false},
		{domain.OperatorBetween, 10, floatPtr(20), "20.1", false},
		{domain.OperatorBetweenExclusive, 10, floatPtr(20), "10", false},
		{domain.OperatorBetweenExclusive, 10, floatPtr(20), "20", false},
		{domain.OperatorBetweenExclusive, 10, floatPtr(20), "15", true},
	}
	for _, tc := range cases {
		op := tc.op
		rules := []domain.TransitionRule{
			rule("r1", func(tr *domain.TransitionRule) {
				tr.NumericOperator = &op
				v := tc.value
				tr.NumericValue = &v
				tr.NumericValueMax = tc.max
			}),
		}
		d := eval.Evaluate("s1", "q1", rules, tc.input)
		matched := d.Outcome == eval.Matched
		if matched != tc.want {
			t.Errorf("%s(%v,%v) input %q: matched=%v, want %v", tc.op, tc.value, tc.max, tc.input, matched, tc.want)
		}
	}
}

func TestNumericRuleWithNonNumericInputDegradesToNoMatch(t *testing.T) {
	op := domain.OperatorGte
	rules := []domain.TransitionRule{
		rule("r1", func(tr *domain.TransitionRule) {
			tr.NumericOperator = &op
			tr.NumericValue = floatPtr(10)
		}),
	}
	d := eval.Evaluate("s1", "q1", rules, "not-a-number")
	if d.Outcome != eval.NoMatch {
		t.Fatalf("got %+v, want no match", d)
	}
	if len(d.Diagnostics) == 0 || !strings.Contains(d.Diagnostics[0], "non-numeric") {
		t.Fatalf("expected non-numeric diagnostic, got %v", d.Diagnostics)
	}
}

func TestStoredSelfTransitionIsNeverApplied(t *testing.T) {
	rules := []domain.TransitionRule{
		rule("bad", func(tr *domain.TransitionRule) {
			tr.ToStageID = "s1" // same as from
			tr.TriggerResponse = strPtr("yes")
		}),
		rule("good", func(tr *domain.TransitionRule) { tr.TriggerResponse = strPtr("yes") }),
	}
	d := eval.Evaluate("s1", "q1", rules, "yes")
	if d.Outcome != eval.Matched || d.RuleID != "good" {
		t.Fatalf("got %+v, want match on good", d)
	}
	found := false
	for _, diag := range d.Diagnostics {
		if strings.Contains(diag, "self-transition") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected self-transition diagnostic, got %v", d.Diagnostics)
	}
}

func TestAmbiguousRuleSetAppliesFirstCreated(t *testing.T) {
	// Rules arrive in creation order; both match.
	rules := []domain.TransitionRule{
		rule("older", func(tr *domain.TransitionRule) { tr.TriggerResponse = strPtr("yes") }),
		rule("newer", func(tr *domain.TransitionRule) {
			tr.ToStageID = "s3"
			tr.TriggerResponse = strPtr("yes")
		}),
	}
	d := eval.Evaluate("s1", "q1", rules, "yes")
	if d.Outcome != eval.Matched || d.RuleID != "older" || d.ToStageID != "s2" {
		t.Fatalf("got %+v, want first-created winner", d)
	}
	if !d.Ambiguous {
		t.Fatalf("expected ambiguous flag")
	}
}

func TestRulesForOtherQuestionsAreIgnored(t *testing.T) {
	rules := []domain.TransitionRule{
		rule("other", func(tr *domain.TransitionRule) {
			tr.QuestionID = "q2"
			tr.TriggerResponse = strPtr("yes")
		}),
	}
	d := eval.Evaluate("s1", "q1", rules, "yes")
	if d.Outcome != eval.NoMatch {
		t.Fatalf("got %+v, want no match", d)
	}
}

func TestRuleFromDifferentStageIsSkippedWithDiagnostic(t *testing.T) {
	rules := []domain.TransitionRule{
		rule("stray", func(tr *domain.TransitionRule) {
			tr.FromStageID = "s9"
			tr.TriggerResponse = strPtr("yes")
		}),
	}
	d := eval.Evaluate("s1", "q1", rules, "yes")
	if d.Outcome != eval.NoMatch || len(d.Diagnostics) == 0 {
		t.Fatalf("got %+v, want skip with diagnostic", d)
	}
}

func TestOverrideAndAutomaticFlagsCarryThrough(t *testing.T) {
	rules := []domain.TransitionRule{
		rule("r1", func(tr *domain.TransitionRule) {
			tr.TriggerResponse = strPtr("failed")
			tr.RequiresAdminOverride = true
		}),
		rule("r2", func(tr *domain.TransitionRule) {
			tr.ToStageID = "s3"
			tr.TriggerResponse = strPtr("passed")
			tr.IsAutomatic = true
		}),
	}
	d := eval.Evaluate("s1", "q1", rules, "Failed")
	if !d.RequiresOverride || d.Automatic {
		t.Fatalf("got %+v, want override without automatic", d)
	}
	d = eval.Evaluate("s1", "q1", rules, "passed")
	if d.RequiresOverride || !d.Automatic {
		t.Fatalf("got %+v, want automatic without override", d)
	}
}
