package evaluation

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// WriteSummary prints reports side by side followed by the split and merge errors of
// each run.
func WriteSummary(w io.Writer, reports []NamedReport) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(w, "%s\n", cyan("Evaluation"))
	fmt.Fprintf(w, "%-16s %8s %8s %8s %8s %8s %8s %8s\n",
		"run", "scored", "missing", "ARI", "homog", "compl", "V", "errors")
	for _, r := range reports {
		errs := len(r.SplitErrors) + len(r.MergeErrors)
		fmt.Fprintf(w, "%-16s %8d %8d %s %s %s %s %s\n",
			r.Name, r.Scored, r.Unpredicted,
			score(r.ARI), score(r.Homogeneity), score(r.Completeness), score(r.VMeasure),
			errorCount(errs))
	}

	for _, r := range reports {
		if len(r.SplitErrors) == 0 && len(r.MergeErrors) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", cyan(r.Name))
		for _, s := range r.SplitErrors {
			fmt.Fprintf(w, "  %s %s -> %s\n", color.YellowString("split"), s.TrueGroup, strings.Join(s.PredictedGroups, ", "))
			for _, p := range s.PredictedGroups {
				fmt.Fprintf(w, "    %s %s\n", gray(p+":"), strings.Join(s.Emails[p], ", "))
			}
		}
		for _, m := range r.MergeErrors {
			fmt.Fprintf(w, "  %s %s <- %s\n", color.RedString("merge"), m.PredictedGroup, strings.Join(m.TrueGroups, ", "))
			for _, t := range m.TrueGroups {
				fmt.Fprintf(w, "    %s %s\n", gray(t+":"), strings.Join(m.Emails[t], ", "))
			}
		}
	}
}

func score(v *float64) string {
	if v == nil {
		return fmt.Sprintf("%8s", "n/a")
	}
	s := fmt.Sprintf("%8.3f", *v)
	switch {
	case *v >= 0.9:
		return color.GreenString(s)
	case *v >= 0.6:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func errorCount(n int) string {
	s := fmt.Sprintf("%8d", n)
	if n == 0 {
		return color.GreenString(s)
	}
	return color.RedString(s)
}
