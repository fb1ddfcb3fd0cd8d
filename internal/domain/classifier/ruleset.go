package classifier

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/mindwell/mindwell/internal/domain/crisis"
)

// Rule is one weighted keyword pattern. A matched rule contributes its
// weight to the crisis score and floors the resulting severity.
type Rule struct {
	Pattern  string
	Weight   float64
	Category string
	Floor    crisis.Severity
}

// Thresholds are the structured-indicator cutoffs OR'd with keyword
// matching.
type Thresholds struct {
	// MoodScoreMax flags mood scores at or below this value.
	MoodScoreMax int
	// AnxietyMin and StressMin flag only when both are reached.
	AnxietyMin int
	StressMin  int
	// SleepHoursMin flags reported sleep below this value.
	SleepHoursMin float64
	// TrendWindow is the minimum number of recent mood entries needed for
	// the declining-trend check; TrendDrop is the required fall across the
	// window.
	TrendWindow int
	TrendDrop   int

	// CrisisScore is the weighted score at or above which the verdict is
	// a crisis.
	CrisisScore float64
}

// Ruleset is a versioned, externally loadable set of classification rules.
type Ruleset struct {
	Version    string
	Rules      []Rule
	Thresholds Thresholds
}

// DefaultRuleset returns the built-in ruleset used when no external file is
// configured.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		Version: "builtin-1",
		Rules: []Rule{
			{Pattern: "kill myself", Weight: 10, Category: "suicidal_ideation", Floor: crisis.SeverityEmergency},
			{Pattern: "end my life", Weight: 10, Category: "suicidal_ideation", Floor: crisis.SeverityEmergency},
			{Pattern: "suicide", Weight: 9, Category: "suicidal_ideation", Floor: crisis.SeverityCritical},
			{Pattern: "want to die", Weight: 9, Category: "suicidal_ideation", Floor: crisis.SeverityCritical},
			{Pattern: "better off without me", Weight: 8, Category: "suicidal_ideation", Floor: crisis.SeverityCritical},
			{Pattern: "no reason to live", Weight: 8, Category: "suicidal_ideation", Floor: crisis.SeverityCritical},
			{Pattern: "hurt myself", Weight: 7, Category: "self_harm", Floor: crisis.SeverityHigh},
			{Pattern: "self harm", Weight: 7, Category: "self_harm", Floor: crisis.SeverityHigh},
			{Pattern: "cutting", Weight: 6, Category: "self_harm", Floor: crisis.SeverityHigh},
			{Pattern: "cant go on", Weight: 5, Category: "hopelessness", Floor: crisis.SeverityModerate},
			{Pattern: "can't go on", Weight: 5, Category: "hopelessness", Floor: crisis.SeverityModerate},
			{Pattern: "hopeless", Weight: 4, Category: "hopelessness", Floor: crisis.SeverityModerate},
			{Pattern: "worthless", Weight: 4, Category: "hopelessness", Floor: crisis.SeverityModerate},
			{Pattern: "give up", Weight: 3, Category: "hopelessness", Floor: crisis.SeverityModerate},
			{Pattern: "panic attack", Weight: 3, Category: "acute_anxiety", Floor: crisis.SeverityModerate},
		},
		Thresholds: Thresholds{
			MoodScoreMax:  2,
			AnxietyMin:    8,
			StressMin:     8,
			SleepHoursMin: 3,
			TrendWindow:   5,
			TrendDrop:     3,
			CrisisScore:   3,
		},
	}
}

// rulesetFile is the on-disk shape with severities as wire names.
type rulesetFile struct {
	Version string `mapstructure:"version"`
	Rules   []struct {
		Pattern  string  `mapstructure:"pattern"`
		Weight   float64 `mapstructure:"weight"`
		Category string  `mapstructure:"category"`
		Floor    string  `mapstructure:"floor"`
	} `mapstructure:"rules"`
	Thresholds struct {
		MoodScoreMax  int     `mapstructure:"mood_score_max"`
		AnxietyMin    int     `mapstructure:"anxiety_min"`
		StressMin     int     `mapstructure:"stress_min"`
		SleepHoursMin float64 `mapstructure:"sleep_hours_min"`
		TrendWindow   int     `mapstructure:"trend_window"`
		TrendDrop     int     `mapstructure:"trend_drop"`
		CrisisScore   float64 `mapstructure:"crisis_score"`
	} `mapstructure:"thresholds"`
}

// LoadRuleset reads a ruleset file (YAML, JSON, or TOML by extension).
// Threshold fields left at zero fall back to the built-in defaults.
func LoadRuleset(path string) (*Ruleset, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read ruleset %s: %w", path, err)
	}

	var file rulesetFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("parse ruleset %s: %w", path, err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("ruleset %s contains no rules", path)
	}

	rs := &Ruleset{
		Version:    file.Version,
		Thresholds: DefaultRuleset().Thresholds,
	}
	for _, r := range file.Rules {
		floor, err := crisis.ParseSeverity(r.Floor)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Pattern, err)
		}
		if r.Pattern == "" {
			return nil, fmt.Errorf("ruleset %s: rule with empty pattern", path)
		}
		rs.Rules = append(rs.Rules, Rule{
			Pattern:  r.Pattern,
			Weight:   r.Weight,
			Category: r.Category,
			Floor:    floor,
		})
	}

	t := file.Thresholds
	if t.MoodScoreMax > 0 {
		rs.Thresholds.MoodScoreMax = t.MoodScoreMax
	}
	if t.AnxietyMin > 0 {
		rs.Thresholds.AnxietyMin = t.AnxietyMin
	}
	if t.StressMin > 0 {
		rs.Thresholds.StressMin = t.StressMin
	}
	if t.SleepHoursMin > 0 {
		rs.Thresholds.SleepHoursMin = t.SleepHoursMin
	}
	if t.TrendWindow > 0 {
		rs.Thresholds.TrendWindow = t.TrendWindow
	}
	if t.TrendDrop > 0 {
		rs.Thresholds.TrendDrop = t.TrendDrop
	}
	if t.CrisisScore > 0 {
		rs.Thresholds.CrisisScore = t.CrisisScore
	}
	return rs, nil
}
