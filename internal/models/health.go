package models

import (
	"errors"
	"fmt"
)

// Severity grades a red flag.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// RedFlag is a single concern raised by the health analysis.
type RedFlag struct {
	Category    string   `json:"category"`
	Issue       string   `json:"issue"`
	Severity    Severity `json:"severity"`
	Explanation string   `json:"explanation"`
}

// HealthAssessment is the structured result of a health analysis.
// SubScores is an open mapping; no category is mandatory.
type HealthAssessment struct {
	OverallScore   float64            `json:"overall_score"`
	SubScores      map[string]float64 `json:"sub_scores"`
	RedFlags       []RedFlag          `json:"red_flags,omitempty"`
	Recommendation string             `json:"recommendation"`
	Explanation    string             `json:"explanation"`
}

var ErrInvalidAssessment = errors.New("invalid health assessment")

// Validate checks the parts of an assessment a scan record depends on.
func (a *HealthAssessment) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: missing", ErrInvalidAssessment)
	}
	if !inScoreRange(a.OverallScore) {
		return fmt.Errorf("%w: overall_score %.1f out of range", ErrInvalidAssessment, a.OverallScore)
	}
	if a.SubScores == nil {
		return fmt.Errorf("%w: sub_scores missing", ErrInvalidAssessment)
	}
	for name, score := range a.SubScores {
		if !inScoreRange(score) {
			return fmt.Errorf("%w: sub_score %q %.1f out of range", ErrInvalidAssessment, name, score)
		}
	}
	for i, flag := range a.RedFlags {
		if flag.Severity != "" && !flag.Severity.Valid() {
			return fmt.Errorf("%w: red flag %d has severity %q", ErrInvalidAssessment, i, flag.Severity)
		}
	}
	return nil
}

func inScoreRange(v float64) bool {
	return v >= 0 && v <= 100
}

// UserPreferences are the dietary settings passed to the analyzer.
type UserPreferences struct {
	Diet      []string `json:"diet,omitempty"`
	Allergies []string `json:"allergies,omitempty"`
}

// Empty reports whether no preference is set.
func (p *UserPreferences) Empty() bool {
	return p == nil || (len(p.Diet) == 0 && len(p.Allergies) == 0)
}
