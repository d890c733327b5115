package evaluation

import (
	"context"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
)

// SplitError is a true group whose emails landed in several predicted groups.
type SplitError struct {
	TrueGroup       string              `json:"true_group"`
	PredictedGroups []string            `json:"predicted_groups"`
	Emails          map[string][]string `json:"emails"`
}

// MergeError is a predicted group that mixes emails of several true groups.
type MergeError struct {
	PredictedGroup string              `json:"predicted_group"`
	TrueGroups     []string            `json:"true_groups"`
	Emails         map[string][]string `json:"emails"`
}

// Report holds agreement metrics. A nil metric is undefined for the input.
type Report struct {
	Labeled     int `json:"labeled"`
	Scored      int `json:"scored"`
	Unpredicted int `json:"unpredicted"`

	ARI          *float64 `json:"ari"`
	Homogeneity  *float64 `json:"homogeneity"`
	Completeness *float64 `json:"completeness"`
	VMeasure     *float64 `json:"v_measure"`

	SplitErrors []SplitError `json:"split_errors"`
	MergeErrors []MergeError `json:"merge_errors"`
}

// NamedReport tags a report with the run it scores.
type NamedReport struct {
	Name string `json:"name"`
	Report
}

type pair struct {
	email, truth, pred string
}

// Evaluate compares predicted against truth over emails present in both.
func Evaluate(predicted, truth Partition) Report {
	r := Report{Labeled: len(truth)}

	pairs := make([]pair, 0, len(truth))
	for email, t := range truth {
		p, ok := predicted[email]
		if !ok {
			r.Unpredicted++
			continue
		}
		pairs = append(pairs, pair{email: email, truth: t, pred: p})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].email < pairs[j].email })
	r.Scored = len(pairs)

	if r.Scored == 0 {
		return r
	}

	c := newContingency(pairs)

	h, comp := c.homogeneityCompleteness()
	r.Homogeneity = &h
	r.Completeness = &comp
	v := vMeasure(h, comp)
	r.VMeasure = &v

	if r.Scored >= 2 {
		ari := c.adjustedRand()
		r.ARI = &ari
	}

	r.SplitErrors = splitErrors(pairs)
	r.MergeErrors = mergeErrors(pairs)
	return r
}

// Compare scores several runs against the same truth concurrently. Results are sorted
// by run name.
func Compare(ctx context.Context, truth Partition, runs map[string]Partition) ([]NamedReport, error) {
	names := make([]string, 0, len(runs))
	for name := range runs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]NamedReport, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = NamedReport{Name: name, Report: Evaluate(runs[name], truth)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type contingency struct {
	n      int
	cells  map[[2]string]int
	truths map[string]int
	preds  map[string]int
}

func newContingency(pairs []pair) contingency {
	c := contingency{
		n:      len(pairs),
		cells:  make(map[[2]string]int),
		truths: make(map[string]int),
		preds:  make(map[string]int),
	}
	for _, p := range pairs {
		c.cells[[2]string{p.truth, p.pred}]++
		c.truths[p.truth]++
		c.preds[p.pred]++
	}
	return c
}

// cellKeys lists the non-empty cells in a fixed order. Floating point sums depend on the
// order of their terms, and map iteration order is random.
func (c contingency) cellKeys() [][2]string {
	keys := make([][2]string, 0, len(c.cells))
	for k := range c.cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	return keys
}

// adjustedRand is the Hubert-Arabie ARI. Degenerate partitions where both sides are a
// single group or both are all singletons score 1.
func (c contingency) adjustedRand() float64 {
	if (len(c.truths) == 1 && len(c.preds) == 1) ||
		(len(c.truths) == c.n && len(c.preds) == c.n) {
		return 1
	}

	var sumCells, sumTruth, sumPred float64
	for _, k := range c.cellKeys() {
		sumCells += choose2(c.cells[k])
	}
	for _, k := range sortedKeys(c.truths) {
		sumTruth += choose2(c.truths[k])
	}
	for _, k := range sortedKeys(c.preds) {
		sumPred += choose2(c.preds[k])
	}

	expected := sumTruth * sumPred / choose2(c.n)
	maxIndex := (sumTruth + sumPred) / 2
	if maxIndex == expected {
		return 1
	}
	return (sumCells - expected) / (maxIndex - expected)
}

// homogeneityCompleteness uses conditional entropies: homogeneity is 1 - H(T|P)/H(T),
// completeness is 1 - H(P|T)/H(P). A zero marginal entropy scores 1.
func (c contingency) homogeneityCompleteness() (float64, float64) {
	n := float64(c.n)

	hTruth := entropy(c.truths, n)
	hPred := entropy(c.preds, n)

	var hTruthGivenPred, hPredGivenTruth float64
	for _, k := range c.cellKeys() {
		nij := float64(c.cells[k])
		hTruthGivenPred -= nij / n * math.Log(nij/float64(c.preds[k[1]]))
		hPredGivenTruth -= nij / n * math.Log(nij/float64(c.truths[k[0]]))
	}

	h, comp := 1.0, 1.0
	if hTruth > 0 {
		h = 1 - hTruthGivenPred/hTruth
	}
	if hPred > 0 {
		comp = 1 - hPredGivenTruth/hPred
	}
	return clamp01(h), clamp01(comp)
}

func entropy(counts map[string]int, n float64) float64 {
	var h float64
	for _, k := range sortedKeys(counts) {
		p := float64(counts[k]) / n
		h -= p * math.Log(p)
	}
	return h
}

func vMeasure(h, c float64) float64 {
	if h+c == 0 {
		return 0
	}
	return 2 * h * c / (h + c)
}

func choose2(n int) float64 {
	return float64(n) * float64(n-1) / 2
}

// clamp01 absorbs floating point drift around the bounds.
func clamp01(f float64) float64 {
	switch {
	case f < 0 && f > -1e-12:
		return 0
	case f > 1 && f < 1+1e-12:
		return 1
	case math.Abs(f-1) < 1e-12:
		return 1
	default:
		return f
	}
}

func splitErrors(pairs []pair) []SplitError {
	byTruth := make(map[string]map[string][]string)
	for _, p := range pairs {
		if byTruth[p.truth] == nil {
			byTruth[p.truth] = make(map[string][]string)
		}
		byTruth[p.truth][p.pred] = append(byTruth[p.truth][p.pred], p.email)
	}

	var out []SplitError
	for _, t := range sortedKeys(byTruth) {
		preds := byTruth[t]
		if len(preds) < 2 {
			continue
		}
		out = append(out, SplitError{TrueGroup: t, PredictedGroups: sortedKeys(preds), Emails: preds})
	}
	return out
}

func mergeErrors(pairs []pair) []MergeError {
	byPred := make(map[string]map[string][]string)
	for _, p := range pairs {
		if byPred[p.pred] == nil {
			byPred[p.pred] = make(map[string][]string)
		}
		byPred[p.pred][p.truth] = append(byPred[p.pred][p.truth], p.email)
	}

	var out []MergeError
	for _, pg := range sortedKeys(byPred) {
		truths := byPred[pg]
		if len(truths) < 2 {
			continue
		}
		out = append(out, MergeError{PredictedGroup: pg, TrueGroups: sortedKeys(truths), Emails: truths})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
