// Package quality is the deterministic completion-quality scorer (spec
// §4.7): a pure function of iteration, test, and error counters, with no
// I/O and no external dependency — it is the one core decision that must
// never depend on an LLM being reachable.
package quality

import "math"

// Inputs are the counters the scorer reduces to a Result.
type Inputs struct {
	Iterations    int
	MaxIterations int
	TestsPassed   int
	TestsTotal    int
	ErrorsFixed   int
	ErrorsTotal   int
	// CodeQuality and TestCoverage are percentages in [0,100]; nil when unknown.
	CodeQuality  *int
	TestCoverage *int
}

// Result is the scored breakdown plus the derived letter grade and
// recommendations.
type Result struct {
	IterationsScore int
	TestsScore      int
	ErrorsScore     int
	QualityScore    int
	Total           int
	Grade           string
	Recommendations []string
}

// Score reduces Inputs to a Result per spec §4.7's fixed weighting:
// iterations 0-25, tests 0-30, errors 0-25, quality 0-20.
func Score(in Inputs) Result {
	r := Result{
		IterationsScore: iterationsScore(in),
		TestsScore:      testsScore(in),
		ErrorsScore:     errorsScore(in),
		QualityScore:    qualityScore(in),
	}
	r.Total = r.IterationsScore + r.TestsScore + r.ErrorsScore + r.QualityScore
	r.Grade = grade(r.Total)
	r.Recommendations = recommendations(r)
	return r
}

func iterationsScore(in Inputs) int {
	if in.Iterations == 0 {
		return 0
	}
	if in.MaxIterations <= 0 {
		return 5
	}
	ratio := float64(in.Iterations) / float64(in.MaxIterations)
	switch {
	case ratio <= 0.2:
		return 25
	case ratio <= 0.4:
		return 20
	case ratio <= 0.6:
		return 15
	case ratio <= 0.8:
		return 10
	default:
		return 5
	}
}

func testsScore(in Inputs) int {
	if in.TestsTotal == 0 {
		return 15
	}
	return roundInt(30 * float64(in.TestsPassed) / float64(in.TestsTotal))
}

func errorsScore(in Inputs) int {
	if in.ErrorsTotal == 0 {
		return 25
	}
	return roundInt(25 * float64(in.ErrorsFixed) / float64(in.ErrorsTotal))
}

func qualityScore(in Inputs) int {
	score := 10.0
	if in.CodeQuality != nil {
		score += 10 * clampPercent(*in.CodeQuality) / 100
	}
	if in.TestCoverage != nil {
		score += 10 * clampPercent(*in.TestCoverage) / 100
	}
	if score > 20 {
		score = 20
	}
	return roundInt(score)
}

func clampPercent(p int) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return float64(p)
	}
}

func roundInt(f float64) int {
	return int(math.Round(f))
}

func grade(total int) string {
	switch {
	case total >= 90:
		return "A"
	case total >= 80:
		return "B"
	case total >= 70:
		return "C"
	case total >= 60:
		return "D"
	default:
		return "F"
	}
}

// recommendations derives a short, specific hint per sub-score under 15 —
// the threshold spec §4.7 calls out as worth surfacing to the operator.
func recommendations(r Result) []string {
	var recs []string
	if r.IterationsScore < 15 {
		recs = append(recs, "agent used a large share of its iteration budget; consider a tighter task decomposition")
	}
	if r.TestsScore < 15 {
		recs = append(recs, "test pass rate is low; prioritize fixing failing tests before further feature work")
	}
	if r.ErrorsScore < 15 {
		recs = append(recs, "many reported errors remain unfixed; re-run the analyzer with FIX before attempting completion")
	}
	if r.QualityScore < 15 {
		recs = append(recs, "code quality/coverage signals are weak; request a refinement pass focused on cleanup and tests")
	}
	return recs
}
