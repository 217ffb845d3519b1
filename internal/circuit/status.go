package circuit

import (
	"fmt"
	"strings"
	"time"
)

// Level is the tiered alert severity, ordered NONE < YELLOW < ORANGE < RED
type Level int

const (
	LevelNone Level = iota
	LevelYellow
	LevelOrange
	LevelRed
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelYellow:
		return "YELLOW"
	case LevelOrange:
		return "ORANGE"
	case LevelRed:
		return "RED"
	default:
		return "UNKNOWN"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "NONE":
		*l = LevelNone
	case "YELLOW":
		*l = LevelYellow
	case "ORANGE":
		*l = LevelOrange
	case "RED":
		*l = LevelRed
	default:
		return fmt.Errorf("unknown circuit breaker level %q", text)
	}
	return nil
}

// Status is the outcome of one breaker evaluation
type Status struct {
	Level            Level     `json:"level"`
	Reason           string    `json:"reason"`
	BTCDrop4h        *float64  `json:"btc_drop_4h,omitempty"`    // percent, negative is a drop
	Drawdown24h      *float64  `json:"drawdown_24h,omitempty"`   // percent, negative is a loss
	ExtremeFunding   *float64  `json:"extreme_funding,omitempty"` // signed rate of the most extreme symbol
	ExchangeDegraded bool      `json:"exchange_degraded"`
	Timestamp        time.Time `json:"timestamp"`
}

// RecommendedAction returns the operator guidance for a level
func RecommendedAction(level Level) string {
	switch level {
	case LevelRed:
		return "EMERGENCY: close all positions and halt new entries"
	case LevelOrange:
		return "Reduce exposure: cap leverage at 2x and avoid new marginal setups"
	case LevelYellow:
		return "Caution: cap leverage at 3x and monitor closely"
	default:
		return "Normal operation"
	}
}

// MaxLeverage returns the leverage ceiling for a level. safeMax applies at
// NONE and bounds every other level.
func MaxLeverage(level Level, safeMax int) int {
	if safeMax < 1 {
		safeMax = 1
	}
	levelCap := safeMax
	switch level {
	case LevelRed:
		levelCap = 1
	case LevelOrange:
		levelCap = 2
	case LevelYellow:
		levelCap = 3
	}
	return min(levelCap, safeMax)
}
