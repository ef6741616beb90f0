// Package report turns run outputs into short human readable summaries:
// resolution estimates from FSC curves, eigenvalue statistics of an
// analysis, dendrogram listings and run manifests.
package report

import (
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"emspider/internal/models"
	"emspider/pkg/dendrogram"
	"emspider/pkg/mda"
	"emspider/pkg/protocol"
)

// FSC thresholds commonly quoted for half-map comparisons.
const (
	ThresholdHalf    = 0.5
	ThresholdGoldStd = 0.143
)

// Resolution returns the resolution in Angstroms at which the curve first
// drops below threshold, interpolated linearly in spatial frequency between
// the two bracketing shells. ok is false when the curve stays above the
// threshold, in which case the last shell is returned.
func Resolution(fsc models.FSC, threshold float64) (res float64, ok bool, err error) {
	n := len(fsc.Values)
	if n == 0 {
		return 0, false, errors.New("empty FSC curve")
	}
	if len(fsc.Resolution) != n {
		return 0, false, errors.Errorf("FSC curve has %d resolutions for %d values", len(fsc.Resolution), n)
	}

	for i, v := range fsc.Values {
		if v >= threshold {
			continue
		}
		if i == 0 {
			return fsc.Resolution[0], true, nil
		}
		f0, f1 := 1/fsc.Resolution[i-1], 1/fsc.Resolution[i]
		v0 := fsc.Values[i-1]
		f := f0 + (v0-threshold)/(v0-v)*(f1-f0)
		if f == 0 {
			return math.Inf(1), true, nil
		}
		return 1 / f, true, nil
	}
	return fsc.Resolution[n-1], false, nil
}

// WriteFSC prints the resolution at both usual thresholds.
func WriteFSC(w io.Writer, fsc models.FSC) error {
	fmt.Fprintf(w, "FSC %s (%d shells)\n", fsc.Label, len(fsc.Values))
	for _, t := range []float64{ThresholdHalf, ThresholdGoldStd} {
		res, ok, err := Resolution(fsc, t)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(w, "  FSC=%.3f: %.2f A\n", t, res)
		} else {
			fmt.Fprintf(w, "  FSC=%.3f: beyond %.2f A\n", t, res)
		}
	}
	return nil
}

// EigenSummary describes the eigenvalues of an analysis.
type EigenSummary struct {
	Factors int
	Mean    float64
	StdDev  float64
	// Total is the summed percentage of inertia of the listed factors
	Total float64
	// Needed is the number of factors reaching the target cumulative
	// percentage, 0 when none does
	Needed int
}

// SummarizeEigenvalues computes statistics over eig and the number of
// factors needed to explain target percent of the inertia.
func SummarizeEigenvalues(eig []mda.Eigenvalue, target float64) EigenSummary {
	s := EigenSummary{Factors: len(eig)}
	if len(eig) == 0 {
		return s
	}
	values := make([]float64, len(eig))
	percents := make([]float64, len(eig))
	for i, e := range eig {
		values[i] = e.Value
		percents[i] = e.Percent
	}
	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		s.StdDev = 0
	}
	s.Total = floats.Sum(percents)
	for i, e := range eig {
		if e.Cumulative >= target {
			s.Needed = i + 1
			break
		}
	}
	return s
}

// WriteEigenvalues prints one line per factor followed by the summary.
func WriteEigenvalues(w io.Writer, eig []mda.Eigenvalue, target float64) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "factor\teigenvalue\t%\tcumulative %\t")
	for i, e := range eig {
		fmt.Fprintf(tw, "%d\t%.4g\t%.2f\t%.2f\t\n", i+1, e.Value, e.Percent, e.Cumulative)
	}
	if err := tw.Flush(); err != nil {
		return errors.Wrap(err, "write eigenvalues")
	}
	s := SummarizeEigenvalues(eig, target)
	fmt.Fprintf(w, "mean %.4g, s.d. %.4g, %d factors explain %.1f%%\n", s.Mean, s.StdDev, s.Factors, s.Total)
	if s.Needed > 0 {
		fmt.Fprintf(w, "%d factors reach %.0f%%\n", s.Needed, target)
	}
	return nil
}

// WriteDendrogram prints the tree down to maxDepth levels, one node per
// line indented by depth. maxDepth <= 0 prints everything.
func WriteDendrogram(w io.Writer, root *dendrogram.Node, maxDepth int) error {
	if root == nil {
		return errors.New("empty dendrogram")
	}
	var visit func(n *dendrogram.Node, depth int)
	visit = func(n *dendrogram.Node, depth int) {
		fmt.Fprintf(w, "%snode %d height %.4g size %d\n", strings.Repeat("  ", depth), n.Index, n.Height, n.Length)
		if maxDepth > 0 && depth+1 >= maxDepth {
			return
		}
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	visit(root, 0)
	return nil
}

// WriteClasses prints the size of every class.
func WriteClasses(w io.Writer, c models.Classes) {
	for _, class := range c.Items {
		fmt.Fprintf(w, "class %d: %d particles\n", class.ID, class.Size())
	}
}

// WriteRun prints a run manifest: state, timing, scripts and outputs.
func WriteRun(w io.Writer, m *protocol.Manifest) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", m.RunID)
	fmt.Fprintf(tw, "adapter\t%s\n", m.Adapter)
	fmt.Fprintf(tw, "directory\t%s\n", m.Dir)
	fmt.Fprintf(tw, "state\t%s\n", m.State)
	if !m.Finished.IsZero() {
		fmt.Fprintf(tw, "duration\t%s\n", m.Finished.Sub(m.Started).Round(time.Millisecond))
	}
	if m.Error != "" {
		fmt.Fprintf(tw, "error\t[%s] %s\n", m.ErrorCode, m.Error)
	}
	for _, s := range m.Scripts {
		fmt.Fprintf(tw, "script\t%s\t%s\n", s.Path, s.Blake3[:min(12, len(s.Blake3))])
	}
	for _, name := range slices.Sorted(maps.Keys(m.Outputs)) {
		fmt.Fprintf(tw, "output %s\t%s\n", name, m.Outputs[name])
	}
	return errors.Wrap(tw.Flush(), "write run summary")
}
