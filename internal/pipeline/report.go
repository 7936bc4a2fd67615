package pipeline

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
)

// WriteTable prints one row per stage.
func WriteTable(w io.Writer, rep *Report) error {
	if rep == nil || len(rep.Stages) == 0 {
		return fmt.Errorf("empty report")
	}
	data := make([][]string, 0, len(rep.Stages))
	for _, s := range rep.Stages {
		ppl := "-"
		if !math.IsNaN(s.Perplexity) {
			ppl = strconv.FormatFloat(s.Perplexity, 'f', 4, 64)
		}
		data = append(data, []string{
			s.Stage,
			s.Attention.String(),
			ppl,
			strconv.Itoa(s.AttentionParams),
			strconv.Itoa(s.CacheWidth),
			s.Duration.Round(time.Millisecond).String(),
		})
	}

	fmt.Fprintf(w, "run %s\n", rep.RunID)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"STAGE", "ATTENTION", "PPL", "ATTN PARAMS", "KV CACHE", "TIME"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}
