// Package engine defines the audit engine capability and a reference
// implementation that audits tabular prediction datasets.
package engine

import (
	"context"
	"math"

	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/models"
)

// Result is what an engine reports for one submission
type Result struct {
	Metrics      models.MetricsVector
	GroupMetrics []models.GroupMetric
	Adversarial  *models.AdversarialReport
	Explanation  string
}

// Engine computes fairness metrics for a submission.
// Implementations must honour ctx cancellation and must not retain the submission.
type Engine interface {
	Name() string
	Audit(ctx context.Context, sub *models.AuditSubmission) (*Result, error)
}

// Func adapts a function to the Engine interface
type Func func(ctx context.Context, sub *models.AuditSubmission) (*Result, error)

// Name implements Engine
func (f Func) Name() string { return "func" }

// Audit implements Engine
func (f Func) Audit(ctx context.Context, sub *models.AuditSubmission) (*Result, error) {
	return f(ctx, sub)
}

// CheckResult rejects results with metrics outside [0,1]
func CheckResult(r *Result) error {
	if r == nil {
		return errors.Wrap(errors.ErrEngine, "engine returned no result")
	}

	check := func(name string, v float64) error {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return errors.Wrapf(errors.ErrEngine, "%s out of range: %v", name, v)
		}
		return nil
	}

	if err := check("accuracy", r.Metrics.Accuracy); err != nil {
		return err
	}
	if err := check("bias_score", r.Metrics.BiasScore); err != nil {
		return err
	}
	if err := check("robustness_flip_fraction", r.Metrics.RobustnessFlipFraction); err != nil {
		return err
	}
	for _, g := range r.GroupMetrics {
		for name, v := range map[string]float64{"tpr": g.TPR, "fpr": g.FPR, "precision": g.Precision} {
			if err := check(g.Group+"."+name, v); err != nil {
				return err
			}
		}
	}
	if r.Adversarial != nil {
		if err := check("adversarial.confidence", r.Adversarial.Confidence); err != nil {
			return err
		}
	}

	return nil
}
