// Package penalty converts proctoring violations into score deductions.
package penalty

import "github.com/stemsi/exstem-engine/internal/model"

// Default per-violation deductions, in percentage points.
const (
	DefaultTabSwitch      = 5.0
	DefaultFullscreenExit = 3.0
)

// Policy holds the deduction per violation kind.
type Policy struct {
	TabSwitch      float64
	FullscreenExit float64
}

// DefaultPolicy returns the standard 5%/3% policy.
func DefaultPolicy() Policy {
	return Policy{TabSwitch: DefaultTabSwitch, FullscreenExit: DefaultFullscreenExit}
}

// Percentage returns the deduction for the given counters. The value is not
// capped at 100; Apply floors the resulting multiplier instead.
func (p Policy) Percentage(tabSwitches, fullscreenExits int) float64 {
	return float64(tabSwitches)*p.TabSwitch + float64(fullscreenExits)*p.FullscreenExit
}

// FromLog derives the deduction from a violation log.
func (p Policy) FromLog(log *model.ViolationLog) float64 {
	if log == nil {
		return 0
	}
	return p.Percentage(log.TabSwitches(), log.FullscreenExits())
}

// Apply reduces originalScore by penaltyPercentage. The multiplier is floored
// at zero so the final score stays within [0, originalScore].
func Apply(originalScore, penaltyPercentage float64) model.FinalScore {
	multiplier := (100 - penaltyPercentage) / 100
	if multiplier < 0 {
		multiplier = 0
	}
	if multiplier > 1 {
		multiplier = 1
	}
	return model.FinalScore{
		OriginalScore:     originalScore,
		PenaltyPercentage: penaltyPercentage,
		FinalScore:        originalScore * multiplier,
	}
}
