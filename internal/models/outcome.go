package models

import "fmt"

// OutcomeKind tags the shape of a RunOutcome.
type OutcomeKind string

const (
	OutcomeBoolean            OutcomeKind = "boolean"
	OutcomeNumeric            OutcomeKind = "numeric"
	OutcomeConfidenceInterval OutcomeKind = "confidence_interval"
	OutcomeText               OutcomeKind = "text"
)

// ConfidenceInterval is an elicited [Lower, Upper] range at a confidence level (percent).
type ConfidenceInterval struct {
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Confidence float64 `json:"confidence"`
}

// RunOutcome is the tagged union of run-outcome payloads. Exactly the field
// matching Kind is set. A nil *RunOutcome means the program reported no outcome.
type RunOutcome struct {
	Kind     OutcomeKind         `json:"kind"`
	Boolean  *bool               `json:"boolean,omitempty"`
	Numeric  *float64            `json:"numeric,omitempty"`
	Interval *ConfidenceInterval `json:"interval,omitempty"`
	Text     *string             `json:"text,omitempty"`
}

// BooleanOutcome wraps a yes/no result.
func BooleanOutcome(v bool) *RunOutcome {
	return &RunOutcome{Kind: OutcomeBoolean, Boolean: &v}
}

// NumericOutcome wraps a numeric entry.
func NumericOutcome(v float64) *RunOutcome {
	return &RunOutcome{Kind: OutcomeNumeric, Numeric: &v}
}

// ConfidenceIntervalOutcome wraps an elicited interval.
func ConfidenceIntervalOutcome(lower, upper, confidence float64) *RunOutcome {
	return &RunOutcome{Kind: OutcomeConfidenceInterval, Interval: &ConfidenceInterval{Lower: lower, Upper: upper, Confidence: confidence}}
}

// TextOutcome wraps free text.
func TextOutcome(v string) *RunOutcome {
	return &RunOutcome{Kind: OutcomeText, Text: &v}
}

// Validate checks that the set payload matches Kind.
func (o *RunOutcome) Validate() error {
	if o == nil {
		return nil
	}
	set := 0
	for _, ok := range []bool{o.Boolean != nil, o.Numeric != nil, o.Interval != nil, o.Text != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: expected exactly one payload, got %d", ErrInvalidOutcome, set)
	}
	var match bool
	switch o.Kind {
	case OutcomeBoolean:
		match = o.Boolean != nil
	case OutcomeNumeric:
		match = o.Numeric != nil
	case OutcomeConfidenceInterval:
		match = o.Interval != nil && o.Interval.Lower <= o.Interval.Upper
	case OutcomeText:
		match = o.Text != nil
	}
	if !match {
		return fmt.Errorf("%w: kind %q does not match payload", ErrInvalidOutcome, o.Kind)
	}
	return nil
}
