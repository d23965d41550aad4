package stats

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	headerRule = "============================================================================"
	footerRule = "----------------------------------------------------------------------------"
)

// formatNumber renders x with at most two decimals and no trailing zeros.
func formatNumber(x float64) string {
	return humanize.FtoaWithDigits(x, 2)
}

// Print writes the header block and the spanning tree of the segment.
func (r *Reader) Print(w io.Writer) error {
	bw := bufio.NewWriter(w)
	s := r.snapshot

	fmt.Fprintln(bw, headerRule)
	fmt.Fprintf(bw, "Statistics of %s\n", r.name)
	fmt.Fprintln(bw)
	fmt.Fprintf(bw, "Cube statistics hll precision: %d\n", s.Precision())
	fmt.Fprintf(bw, "Total cuboids: %d\n", len(r.rowCounts))
	fmt.Fprintf(bw, "Total estimated rows: %d\n", r.TotalEstimatedRows())
	fmt.Fprintf(bw, "Total estimated size(MB): %s\n", formatNumber(r.TotalEstimatedSizeMB()))
	fmt.Fprintf(bw, "Sampling percentage:  %d\n", s.SamplingPercentage)
	fmt.Fprintf(bw, "Mapper overlap ratio: %s\n", formatNumber(s.MapperOverlapRatio))
	fmt.Fprintf(bw, "Mapper number: %d\n", s.MapperCount)
	for i, l := range r.lengths {
		fmt.Fprintf(bw, "Length of dimension %s is %d\n", r.columnName(i), l)
	}

	r.printTree(bw, r.scheduler.BaseCuboidID(), 0, 0, false)
	fmt.Fprintln(bw, footerRule)
	return bw.Flush()
}

func (r *Reader) columnName(i int) string {
	if i < len(r.columns) {
		return r.columns[i]
	}
	return fmt.Sprintf("#%d", i)
}

func (r *Reader) printTree(w io.Writer, id uint64, depth int, parentRows int64, hasParent bool) {
	rows := r.rowCounts[id]
	var b strings.Builder
	b.WriteString(strings.Repeat("    ", depth))
	fmt.Fprintf(&b, "|---- Cuboid %s, est row: %d, est MB: %s",
		r.scheduler.DisplayName(id), rows, formatNumber(r.sizes[id]))
	if hasParent {
		shrink := 0.0
		if parentRows != 0 {
			shrink = 100 * float64(rows) / float64(parentRows)
		}
		fmt.Fprintf(&b, ", shrink: %s%%", formatNumber(shrink))
	}
	fmt.Fprintln(w, b.String())

	for _, child := range r.scheduler.SpanningChildren(id) {
		r.printTree(w, child, depth+1, rows, true)
	}
}
