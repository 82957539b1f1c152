package engine

import (
	"context"
	"testing"

	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const genderCSV = `label,prediction,perturbed_prediction,gender
1,1,1,f
1,0,0,f
0,0,1,f
0,1,1,f
1,1,1,m
1,1,1,m
0,0,0,m
0,0,0,m
,1,1,m
`

const genderJSON = `[
  {"label": 1, "prediction": true, "perturbed_prediction": 1, "Gender": "f"},
  {"label": 1, "prediction": false, "perturbed_prediction": 0, "Gender": "f"},
  {"label": 0, "prediction": false, "perturbed_prediction": 1, "Gender": "f"},
  {"label": 0, "prediction": true, "perturbed_prediction": 1, "Gender": "f"},
  {"label": "yes", "prediction": 0.9, "perturbed_prediction": 1, "Gender": "m"},
  {"label": "yes", "prediction": 0.7, "perturbed_prediction": 1, "Gender": "m"},
  {"label": "no", "prediction": 0.1, "perturbed_prediction": 0, "Gender": "m"},
  {"label": "no", "prediction": 0.2, "perturbed_prediction": 0, "Gender": "m"}
]`

func submission(data string, cats ...models.BiasCategory) *models.AuditSubmission {
	return &models.AuditSubmission{
		ModelName:        "HR-Screener",
		Organization:     "TechCorp",
		BiasCategories:   cats,
		EncryptionMethod: models.EncryptionHomomorphic,
		Priority:         models.PriorityClassical,
		Dataset:          models.Artifact{Name: "data", Data: []byte(data)},
	}
}

func assertGenderResult(t *testing.T, res *Result) {
	t.Helper()
	assert.InDelta(t, 0.75, res.Metrics.Accuracy, 1e-9)
	assert.InDelta(t, 0.5, res.Metrics.BiasScore, 1e-9)
	assert.InDelta(t, 0.125, res.Metrics.RobustnessFlipFraction, 1e-9)

	require.Len(t, res.GroupMetrics, 2)
	assert.Equal(t, models.GroupMetric{Group: "gender:f", TPR: 0.5, FPR: 0.5, Precision: 0.5}, res.GroupMetrics[0])
	assert.Equal(t, models.GroupMetric{Group: "gender:m", TPR: 1, FPR: 0, Precision: 1}, res.GroupMetrics[1])

	require.NotNil(t, res.Adversarial)
	assert.Equal(t, "demographic-proxy:gender:f", res.Adversarial.AttackVector)
	assert.InDelta(t, 0.5, res.Adversarial.Confidence, 1e-9)
	assert.NoError(t, CheckResult(res))
}

func TestTabularCSV(t *testing.T) {
	res, err := NewTabular().Audit(context.Background(), submission(genderCSV, models.BiasGender))
	require.NoError(t, err)
	assertGenderResult(t, res)
	assert.Contains(t, res.Explanation, "Audited 8 of 9 records")
}

func TestTabularCSVWithByteOrderMark(t *testing.T) {
	res, err := NewTabular().Audit(context.Background(), submission("\xef\xbb\xbf"+genderCSV, models.BiasGender))
	require.NoError(t, err)
	assertGenderResult(t, res)
}

func TestTabularJSON(t *testing.T) {
	res, err := NewTabular().Audit(context.Background(), submission(genderJSON, models.BiasGender))
	require.NoError(t, err)
	assertGenderResult(t, res)
}

func TestTabularDeterministic(t *testing.T) {
	eng := NewTabular()
	first, err := eng.Audit(context.Background(), submission(genderCSV, models.BiasGender))
	require.NoError(t, err)
	second, err := eng.Audit(context.Background(), submission(genderCSV, models.BiasGender))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTabularWithoutPerturbation(t *testing.T) {
	data := "label,prediction,age\n1,1,young\n0,0,old\n1,1,old\n"
	res, err := NewTabular().Audit(context.Background(), submission(data, models.BiasAge))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Metrics.Accuracy)
	assert.Equal(t, 0.0, res.Metrics.RobustnessFlipFraction)
	assert.Equal(t, 0.0, res.Metrics.BiasScore)
	assert.Nil(t, res.Adversarial)
	assert.Contains(t, res.Explanation, "No perturbed predictions")
}

func TestTabularFlipDominatesReport(t *testing.T) {
	data := "label,prediction,perturbed_prediction,race\n1,1,0,a\n0,0,1,a\n1,1,0,b\n0,0,0,b\n"
	res, err := NewTabular().Audit(context.Background(), submission(data, models.BiasRace))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, res.Metrics.RobustnessFlipFraction, 1e-9)
	require.NotNil(t, res.Adversarial)
	assert.Equal(t, "input-perturbation", res.Adversarial.AttackVector)
}

func TestTabularErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		cats []models.BiasCategory
	}{
		{"empty", "   ", []models.BiasCategory{models.BiasGender}},
		{"header only", "label,prediction,gender\n", []models.BiasCategory{models.BiasGender}},
		{"missing label", "prediction,gender\n1,f\n", []models.BiasCategory{models.BiasGender}},
		{"missing category column", "label,prediction,gender\n1,1,f\n", []models.BiasCategory{models.BiasIncome}},
		{"no usable rows", "label,prediction,gender\nx,y,f\n", []models.BiasCategory{models.BiasGender}},
		{"bad json", "[{", []models.BiasCategory{models.BiasGender}},
		{"ragged csv", "label,prediction,gender\n1,1\n", []models.BiasCategory{models.BiasGender}},
		{"duplicate folded json keys", `[{"label":1,"prediction":1,"gender":"f","Gender ":"m"}]`, []models.BiasCategory{models.BiasGender}},
		{"duplicate csv header", "label,prediction,gender,GENDER\n1,1,f,m\n", []models.BiasCategory{models.BiasGender}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTabular().Audit(context.Background(), submission(tt.data, tt.cats...))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrEngine))
		})
	}
}

func TestTabularHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTabular().Audit(ctx, submission(genderCSV, models.BiasGender))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckResult(t *testing.T) {
	assert.Error(t, CheckResult(nil))
	assert.Error(t, CheckResult(&Result{Metrics: models.MetricsVector{Accuracy: 1.2}}))
	assert.Error(t, CheckResult(&Result{GroupMetrics: []models.GroupMetric{{Group: "g", FPR: -0.1}}}))
	assert.Error(t, CheckResult(&Result{Adversarial: &models.AdversarialReport{Confidence: 2}}))
	assert.NoError(t, CheckResult(&Result{Metrics: models.MetricsVector{Accuracy: 1, BiasScore: 0, RobustnessFlipFraction: 0.5}}))
}

func TestFuncAdapter(t *testing.T) {
	eng := Func(func(ctx context.Context, sub *models.AuditSubmission) (*Result, error) {
		return &Result{Explanation: sub.ModelName}, nil
	})
	res, err := eng.Audit(context.Background(), submission(genderCSV, models.BiasGender))
	require.NoError(t, err)
	assert.Equal(t, "HR-Screener", res.Explanation)
	assert.Equal(t, "func", eng.Name())
}
