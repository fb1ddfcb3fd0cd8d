// Package classifier scores inbound signals for crisis likelihood using a
// versioned ruleset of weighted keyword patterns OR'd with structured
// threshold checks. The verdict is advisory; the engine fails open to a
// non-crisis result so a classifier fault never blocks the crisis pipeline.
package classifier

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mindwell/mindwell/internal/domain/crisis"
)

// Engine implements crisis.SignalClassifier against a fixed ruleset.
type Engine struct {
	ruleset *Ruleset
	logger  zerolog.Logger
}

// NewEngine creates an Engine. A nil ruleset uses the built-in defaults.
func NewEngine(ruleset *Ruleset, logger zerolog.Logger) *Engine {
	if ruleset == nil {
		ruleset = DefaultRuleset()
	}
	return &Engine{ruleset: ruleset, logger: logger}
}

// Classify scores the signal. It never returns an error: on internal
// failure the verdict degrades to non-crisis with zero confidence.
func (e *Engine) Classify(_ context.Context, sig crisis.Signal) (out crisis.Classification) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("classifier failed, returning non-crisis verdict")
			out = crisis.Classification{IsCrisis: false, Severity: crisis.SeverityLow, Confidence: 0}
		}
	}()

	var (
		score    float64
		floor    = crisis.SeverityLow
		floored  bool
		matched  []string
		haveSeen = map[string]bool{}
	)

	note := func(signal string) {
		if !haveSeen[signal] {
			haveSeen[signal] = true
			matched = append(matched, signal)
		}
	}

	text := strings.ToLower(sig.Text)
	for _, rule := range e.ruleset.Rules {
		if !strings.Contains(text, strings.ToLower(rule.Pattern)) {
			continue
		}
		score += rule.Weight
		note(rule.Category)
		if !floored || rule.Floor > floor {
			floor = rule.Floor
			floored = true
		}
	}

	t := e.ruleset.Thresholds
	if sig.MoodScore != nil && *sig.MoodScore <= t.MoodScoreMax {
		score += 2
		note("low_mood")
	}
	if sig.AnxietyLevel != nil && sig.StressLevel != nil &&
		*sig.AnxietyLevel >= t.AnxietyMin && *sig.StressLevel >= t.StressMin {
		score += 2
		note("anxiety_stress")
	}
	if sig.SleepHours != nil && *sig.SleepHours < t.SleepHoursMin {
		score += 1
		note("sleep_deprivation")
	}
	if decliningTrend(sig.RecentMoodScores, t.TrendWindow, t.TrendDrop) {
		score += 2
		note("declining_trend")
	}

	isCrisis := score >= t.CrisisScore
	sev := severityForScore(score)
	if floored && floor > sev {
		sev = floor
	}
	if !isCrisis {
		sev = crisis.SeverityLow
	}

	return crisis.Classification{
		IsCrisis:       isCrisis,
		Severity:       sev,
		MatchedSignals: matched,
		Confidence:     confidence(score),
	}
}

// severityForScore maps the weighted score to a tier. Keyword floors can
// only raise the result.
func severityForScore(score float64) crisis.Severity {
	switch {
	case score >= 10:
		return crisis.SeverityEmergency
	case score >= 8:
		return crisis.SeverityCritical
	case score >= 6:
		return crisis.SeverityHigh
	case score >= 3:
		return crisis.SeverityModerate
	}
	return crisis.SeverityLow
}

// confidence is a bounded heuristic, not a calibrated probability.
func confidence(score float64) float64 {
	c := score / 12
	if c > 1 {
		return 1
	}
	return c
}

// decliningTrend reports whether mood fell by at least drop across a recent
// window of at least window entries, oldest first.
func decliningTrend(scores []int, window, drop int) bool {
	if window <= 0 || len(scores) < window {
		return false
	}
	recent := scores[len(scores)-window:]
	return recent[0]-recent[len(recent)-1] >= drop
}
