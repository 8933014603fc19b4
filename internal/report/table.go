package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"stackalign/internal/stack"
)

// WriteTable prints one row per aligned layer followed by a summary line.
func WriteTable(w io.Writer, rep stack.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "LAYER\tOFFSET\tSCORE\tOUTCOME\tMOVED\tTIME\n")
	for _, lr := range rep.Layers {
		outcome := lr.Outcome.String()
		if lr.Err != nil {
			outcome = "error: " + lr.Err.Error()
		}
		moved := "-"
		if lr.Accepted() {
			moved = lr.Moved.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%s\t%s\t%s\n",
			lr.Name, lr.Result.Offset, lr.Result.Score, outcome, moved, lr.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "reference %q: %d aligned, %d skipped", rep.Reference, rep.Aligned, rep.Skipped)
	if err != nil {
		return err
	}
	if rep.CanvasFitted {
		_, err = fmt.Fprint(w, ", canvas fitted")
	}
	if err == nil {
		_, err = fmt.Fprintln(w)
	}
	return err
}
