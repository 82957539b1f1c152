package engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/models"
)

// Dataset column names understood by the tabular engine
const (
	ColumnLabel     = "label"
	ColumnPredicted = "prediction"
	ColumnPerturbed = "perturbed_prediction"
)

const ctxCheckEvery = 4096

// Tabular audits a dataset of labelled predictions. Each row carries the true
// label, the model prediction, an optional prediction under input
// perturbation and one column per selected bias category.
type Tabular struct{}

// NewTabular creates the reference tabular engine
func NewTabular() *Tabular {
	return &Tabular{}
}

// Name implements Engine
func (t *Tabular) Name() string { return "tabular" }

type confusion struct {
	tp, fp, tn, fn int
}

func (c *confusion) add(label, predicted bool) {
	switch {
	case label && predicted:
		c.tp++
	case !label && predicted:
		c.fp++
	case !label && !predicted:
		c.tn++
	default:
		c.fn++
	}
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Audit implements Engine
func (t *Tabular) Audit(ctx context.Context, sub *models.AuditSubmission) (*Result, error) {
	tbl, err := parseTable(sub.Dataset.Data)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrEngine, "dataset %s: %v", sub.Dataset.Name, err)
	}

	labelIdx, ok := tbl.columns[ColumnLabel]
	if !ok {
		return nil, errors.Wrapf(errors.ErrEngine, "dataset has no %q column", ColumnLabel)
	}
	predIdx, ok := tbl.columns[ColumnPredicted]
	if !ok {
		return nil, errors.Wrapf(errors.ErrEngine, "dataset has no %q column", ColumnPredicted)
	}
	pertIdx, hasPerturbed := tbl.columns[ColumnPerturbed]

	catIdx := make([]int, len(sub.BiasCategories))
	for i, cat := range sub.BiasCategories {
		idx, ok := tbl.columns[string(cat)]
		if !ok {
			return nil, errors.Wrapf(errors.ErrEngine, "dataset has no column for bias category %q", cat)
		}
		catIdx[i] = idx
	}

	var (
		overall       confusion
		used, flipped int
		perturbedRows int
	)
	groups := make([]map[string]*confusion, len(sub.BiasCategories))
	for i := range groups {
		groups[i] = map[string]*confusion{}
	}

	for n, row := range tbl.rows {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		label, ok1 := parseOutcome(row[labelIdx])
		predicted, ok2 := parseOutcome(row[predIdx])
		if !ok1 || !ok2 {
			continue
		}
		used++
		overall.add(label, predicted)

		if hasPerturbed {
			if perturbed, ok := parseOutcome(row[pertIdx]); ok {
				perturbedRows++
				if perturbed != predicted {
					flipped++
				}
			}
		}

		for i, idx := range catIdx {
			value := strings.TrimSpace(row[idx])
			if value == "" {
				continue
			}
			c, ok := groups[i][value]
			if !ok {
				c = &confusion{}
				groups[i][value] = c
			}
			c.add(label, predicted)
		}
	}

	if used == 0 {
		return nil, errors.Wrap(errors.ErrEngine, "dataset has no usable rows")
	}

	result := &Result{
		Metrics: models.MetricsVector{
			Accuracy:               ratio(overall.tp+overall.tn, used),
			RobustnessFlipFraction: ratio(flipped, perturbedRows),
		},
	}

	var worst gap
	for i, cat := range sub.BiasCategories {
		values := make([]string, 0, len(groups[i]))
		for v := range groups[i] {
			values = append(values, v)
		}
		sort.Strings(values)

		for _, v := range values {
			c := groups[i][v]
			result.GroupMetrics = append(result.GroupMetrics, models.GroupMetric{
				Group:     string(cat) + ":" + v,
				TPR:       ratio(c.tp, c.tp+c.fn),
				FPR:       ratio(c.fp, c.fp+c.tn),
				Precision: ratio(c.tp, c.tp+c.fp),
			})
		}

		if g := widestGap(cat, values, groups[i]); g.size > worst.size {
			worst = g
		}
	}
	result.Metrics.BiasScore = worst.size

	result.Adversarial = adversarialReport(worst, result.Metrics.RobustnessFlipFraction)
	result.Explanation = fmt.Sprintf(
		"Audited %d of %d records across %d groups. Accuracy %.2f, bias score %.2f, flip fraction %.2f.",
		used, len(tbl.rows), len(result.GroupMetrics),
		result.Metrics.Accuracy, result.Metrics.BiasScore, result.Metrics.RobustnessFlipFraction,
	)
	if !hasPerturbed {
		result.Explanation += " No perturbed predictions were supplied."
	}

	return result, nil
}

// gap is the largest equalised-odds difference found within one category
type gap struct {
	size   float64
	rate   string
	group  string
	versus string
}

func widestGap(cat models.BiasCategory, values []string, counts map[string]*confusion) gap {
	var best gap

	measure := func(rate string, num func(*confusion) int, den func(*confusion) int) {
		lo, hi := math.Inf(1), math.Inf(-1)
		var loGroup, hiGroup string
		for _, v := range values {
			c := counts[v]
			if den(c) == 0 {
				continue
			}
			r := ratio(num(c), den(c))
			if r < lo {
				lo, loGroup = r, v
			}
			if r > hi {
				hi, hiGroup = r, v
			}
		}
		if loGroup == "" || hi-lo <= best.size {
			return
		}
		best = gap{size: hi - lo, rate: rate}
		// the disadvantaged group has the lower TPR or the higher FPR
		if rate == "TPR" {
			best.group, best.versus = string(cat)+":"+loGroup, string(cat)+":"+hiGroup
		} else {
			best.group, best.versus = string(cat)+":"+hiGroup, string(cat)+":"+loGroup
		}
	}

	measure("TPR", func(c *confusion) int { return c.tp }, func(c *confusion) int { return c.tp + c.fn })
	measure("FPR", func(c *confusion) int { return c.fp }, func(c *confusion) int { return c.fp + c.tn })

	return best
}

func adversarialReport(worst gap, flip float64) *models.AdversarialReport {
	if flip > worst.size {
		return &models.AdversarialReport{
			AttackVector: "input-perturbation",
			Confidence:   flip,
			Explanation:  fmt.Sprintf("%.0f%% of predictions change under small input perturbations.", flip*100),
		}
	}
	if worst.group == "" {
		return nil
	}
	explanation := fmt.Sprintf("%s differs by %.2f between %s and %s.", worst.rate, worst.size, worst.group, worst.versus)
	return &models.AdversarialReport{
		AttackVector: "demographic-proxy:" + worst.group,
		Confidence:   worst.size,
		Explanation:  explanation,
	}
}

// parseOutcome reads a binary outcome. Numeric values of at least 0.5 are positive.
func parseOutcome(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "positive", "pos":
		return true, true
	case "0", "false", "no", "n", "negative", "neg":
		return false, true
	case "":
		return false, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return false, false
	}
	return f >= 0.5, true
}

type table struct {
	columns map[string]int
	rows    [][]string
}

var utf8BOM = []byte("\xef\xbb\xbf")

func parseTable(data []byte) (*table, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty dataset")
	}
	if trimmed[0] == '[' {
		return parseJSONTable(trimmed)
	}
	return parseCSVTable(trimmed)
}

func parseCSVTable(data []byte) (*table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("CSV needs a header and at least one row")
	}

	t := &table{columns: map[string]int{}, rows: records[1:]}
	for i, name := range records[0] {
		key := columnKey(name)
		if _, ok := t.columns[key]; ok {
			return nil, fmt.Errorf("duplicate column %q", key)
		}
		t.columns[key] = i
	}
	return t, nil
}

func parseJSONTable(data []byte) (*table, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var records []map[string]interface{}
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("JSON dataset has no records")
	}

	t := &table{columns: map[string]int{}}
	var names []string
	for _, rec := range records {
		seen := make(map[string]struct{}, len(rec))
		for k := range rec {
			key := columnKey(k)
			// Keys that fold together in one record would race for the same cell
			if _, dup := seen[key]; dup {
				return nil, fmt.Errorf("duplicate column %q", key)
			}
			seen[key] = struct{}{}
			if _, ok := t.columns[key]; !ok {
				t.columns[key] = -1
				names = append(names, key)
			}
		}
	}
	sort.Strings(names)
	for i, name := range names {
		t.columns[name] = i
	}

	for _, rec := range records {
		row := make([]string, len(names))
		for k, v := range rec {
			row[t.columns[columnKey(k)]] = cellString(v)
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

func columnKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func cellString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
