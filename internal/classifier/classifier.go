// Package classifier maps audit metrics to a pass/warn/fail outcome.
package classifier

import (
	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/models"
)

// Default thresholds. A metric strictly above a threshold trips it.
const (
	DefaultBiasFail       = 0.6
	DefaultBiasWarn       = 0.3
	DefaultRobustnessFail = 0.4
	DefaultRobustnessWarn = 0.2
)

// Thresholds configures the classification policy
type Thresholds struct {
	BiasFail       float64 `yaml:"bias_fail"`
	BiasWarn       float64 `yaml:"bias_warn"`
	RobustnessFail float64 `yaml:"robustness_fail"`
	RobustnessWarn float64 `yaml:"robustness_warn"`
}

// DefaultThresholds returns the standard policy
func DefaultThresholds() Thresholds {
	return Thresholds{
		BiasFail:       DefaultBiasFail,
		BiasWarn:       DefaultBiasWarn,
		RobustnessFail: DefaultRobustnessFail,
		RobustnessWarn: DefaultRobustnessWarn,
	}
}

// Validate checks that every threshold is in [0,1] and warn <= fail
func (t Thresholds) Validate() error {
	for _, th := range []struct {
		name  string
		value float64
	}{
		{"bias_fail", t.BiasFail},
		{"bias_warn", t.BiasWarn},
		{"robustness_fail", t.RobustnessFail},
		{"robustness_warn", t.RobustnessWarn},
	} {
		if th.value < 0 || th.value > 1 {
			return errors.Validationf("%s must be within [0,1], got %v", th.name, th.value)
		}
	}
	if t.BiasWarn > t.BiasFail {
		return errors.Validationf("bias_warn (%v) must not exceed bias_fail (%v)", t.BiasWarn, t.BiasFail)
	}
	if t.RobustnessWarn > t.RobustnessFail {
		return errors.Validationf("robustness_warn (%v) must not exceed robustness_fail (%v)", t.RobustnessWarn, t.RobustnessFail)
	}
	return nil
}

// Classify evaluates fail, then warn, then pass. Accuracy is not consulted.
func (t Thresholds) Classify(m models.MetricsVector) models.Classification {
	if m.BiasScore > t.BiasFail || m.RobustnessFlipFraction > t.RobustnessFail {
		return models.ClassFail
	}
	if m.BiasScore > t.BiasWarn || m.RobustnessFlipFraction > t.RobustnessWarn {
		return models.ClassWarn
	}
	return models.ClassPass
}

// Classify applies the default thresholds
func Classify(m models.MetricsVector) models.Classification {
	return DefaultThresholds().Classify(m)
}
