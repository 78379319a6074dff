package power

import "time"

// ComputeCurrentPower folds the refill accrued since lastUpdate into basePower
// and reports the effective value as of now. Pure function: no I/O, no side
// effects. The tick arithmetic stays in integer durations to avoid drift.
//
// Callers must validate config first; a non-positive RefillInterval is a
// precondition violation.
func ComputeCurrentPower(now time.Time, basePower int64, lastUpdate time.Time, config Config) EffectivePower {
	elapsed := now.Sub(lastUpdate)
	if elapsed < 0 {
		elapsed = 0
	}
	ticks := int64(elapsed / config.RefillInterval)
	current := basePower + ticks*config.RefillAmount
	if current > config.MaxPower {
		current = config.MaxPower
	}
	if current < 0 {
		current = 0
	}
	remainder := elapsed % config.RefillInterval
	var nextRefillIn time.Duration
	if current < config.MaxPower {
		nextRefillIn = config.RefillInterval - remainder
	}
	return EffectivePower{
		Current:        current,
		Max:            config.MaxPower,
		RefillAmount:   config.RefillAmount,
		RefillInterval: config.RefillInterval,
		NextRefillIn:   nextRefillIn,
		LastUpdate:     lastUpdate,
	}
}

func clampPower(value int64, maxPower int64) int64 {
	if value < 0 {
		return 0
	}
	if value > maxPower {
		return maxPower
	}
	return value
}
