// internal/analysis/levels.go
package analysis

import "github.com/signalnine/ipwatch/internal/protocol"

// Score bounds
const (
	MinScore = 0
	MaxScore = 100
)

// DefaultBlockThreshold is the score at or above which a target is BLOCKED
const DefaultBlockThreshold = 80

// Thresholds maps a score to a risk level. Each field is the inclusive
// lower bound of its level; anything below Medium is LOW.
type Thresholds struct {
	Critical int `yaml:"critical"`
	High     int `yaml:"high"`
	Medium   int `yaml:"medium"`
}

// DefaultThresholds returns 75/50/25
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 75, High: 50, Medium: 25}
}

// LevelFor buckets a score
func (t Thresholds) LevelFor(score int) protocol.RiskLevel {
	switch {
	case score >= t.Critical:
		return protocol.RiskCritical
	case score >= t.High:
		return protocol.RiskHigh
	case score >= t.Medium:
		return protocol.RiskMedium
	default:
		return protocol.RiskLow
	}
}

// ClampScore forces a score into [0,100]
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// DeriveStatus maps a score to the target status
func DeriveStatus(score, blockThreshold int) protocol.Status {
	if score >= blockThreshold {
		return protocol.StatusBlocked
	}
	return protocol.StatusMonitoring
}
