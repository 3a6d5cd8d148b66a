package experiment

import (
	"fmt"
	"strconv"

	"github.com/openfroyo/impactsim/pkg/options"
)

// Modifiers overrides model variables, keyed by variable name.
type Modifiers struct {
	Variables options.Set
}

// NewModifiers builds modifiers from a variable map.
func NewModifiers(variables map[string]any) Modifiers {
	return Modifiers{Variables: options.New(variables)}
}

// IsZero reports whether no variable is modified.
func (m Modifiers) IsZero() bool {
	return m.Variables.IsEmpty()
}

// CaseExtension derives one run case from the base of a specification.
// Its analysis is partial: zero fields inherit from the base.
type CaseExtension struct {
	Analysis  AnalysisConfiguration
	Modifiers Modifiers
}

// Range returns a sweep modifier value: the service expands it into values
// from start to end in the given number of steps.
func Range(start, end float64, steps int) string {
	return fmt.Sprintf("range(%s,%s,%d)", formatNumber(start), formatNumber(end), steps)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
