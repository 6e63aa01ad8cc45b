package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/orchestrator"
	"github.com/kadirpekel/conduit/pkg/schemaindex"
	"github.com/kadirpekel/conduit/pkg/stream"
)

// maxCell truncates wide values in tables.
const maxCell = 40

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func writeCompact(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func printEvent(w io.Writer, ev stream.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%3d] %-16s", ev.Seq, ev.Type)
	if ev.NodeID != "" {
		fmt.Fprintf(&b, " %s", ev.NodeID)
	}
	if ev.Status != "" {
		fmt.Fprintf(&b, " (%s)", ev.Status)
	}
	fmt.Fprintln(w, b.String())
}

func printResult(w io.Writer, res *orchestrator.FinalResult) {
	if res.Passthrough {
		fmt.Fprintf(w, "No data needed (%s). Forward the question to a general-purpose model.\n", res.Tier)
		return
	}

	printRecords(w, res.Records)

	status := "complete"
	if res.Partial {
		status = "partial"
	}
	fmt.Fprintf(w, "\n%d records, %s, %s tier, %s\n", len(res.Records), status, res.Tier, res.Duration.Round(time.Millisecond))
	for _, e := range res.Errors {
		src := e.SourceID
		if src == "" {
			src = e.NodeID
		}
		fmt.Fprintf(w, "  %s %s: %s (%s)\n", src, e.Status, e.Message, e.Reason)
	}
}

// printRecords prints records as a table whose columns are the union of
// their fields, source first.
func printRecords(w io.Writer, records []adapter.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "(no records)")
		return
	}

	seen := map[string]bool{}
	var cols []string
	for _, r := range records {
		for k := range r.Fields {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SOURCE\tTYPE\t%s\n", strings.ToUpper(strings.Join(cols, "\t")))
	for _, r := range records {
		cells := make([]string, len(cols))
		for i, col := range cols {
			if v, ok := r.Fields[col]; ok {
				cells[i] = cell(v)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.SourceID, r.RecordType, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
}

func cell(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	case map[string]any, []any:
		data, _ := json.Marshal(t)
		s = string(data)
	default:
		s = fmt.Sprint(t)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxCell {
		s = s[:maxCell-3] + "..."
	}
	return s
}

func printPlan(w io.Writer, plan *orchestrator.Plan) {
	d := plan.Classification
	fmt.Fprintf(w, "Question:  %s\n", plan.Question)
	fmt.Fprintf(w, "Tier:      %s (confidence %.2f via %s)\n", d.Tier, d.Confidence, d.Path)
	if plan.Passthrough {
		fmt.Fprintln(w, "Plan:      passthrough, no sources needed")
		return
	}
	if in := plan.Intent; in != nil {
		p := in.Params
		if p.TimeRange != nil {
			fmt.Fprintf(w, "Window:    %s (%s to %s)\n", p.TimeRange.Label,
				p.TimeRange.From.Format("2006-01-02"), p.TimeRange.To.Format("2006-01-02"))
		}
		if p.Limit > 0 {
			fmt.Fprintf(w, "Limit:     %d\n", p.Limit)
		}
		if p.Analysis != "" {
			fmt.Fprintf(w, "Analysis:  %s\n", p.Analysis)
		}
		if p.Correlate {
			fmt.Fprintln(w, "Correlate: yes")
		}
	}
	fmt.Fprintf(w, "Sources:   %s\n", strings.Join(plan.Sources, ", "))
	for id, why := range plan.Rejected {
		fmt.Fprintf(w, "  rejected %s: %s\n", id, why)
	}

	fmt.Fprintln(w, "\nSteps:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  NODE\tKIND\tWEIGHT\tAFTER")
	for _, n := range plan.Nodes {
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\n", n.ID, n.Kind, n.Weight, strings.Join(n.Dependencies, ", "))
	}
	_ = tw.Flush()

	if len(plan.Hints) > 0 {
		fmt.Fprintln(w, "\nSchema hints:")
		for _, h := range plan.Hints {
			fmt.Fprintf(w, "  %s.%s\n", h.SourceID, h.Entity)
		}
	}
}

func printSources(w io.Writer, sources []orchestrator.SourceStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCAPABILITIES\tENTITIES\tCIRCUIT\tHEALTHY")
	for _, s := range sources {
		caps := make([]string, len(s.Capabilities))
		for i, c := range s.Capabilities {
			caps[i] = string(c)
		}
		healthy := "-"
		if s.Healthy != nil {
			healthy = fmt.Sprint(*s.Healthy)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Scheme, strings.Join(caps, ","), strings.Join(s.Entities, ","), s.Circuit, healthy)
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, report schemaindex.Report) {
	ids := make([]string, 0, len(report.Indexed)+len(report.Failed))
	for id := range report.Indexed {
		ids = append(ids, id)
	}
	for id := range report.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tCHUNKS\tERROR")
	for _, id := range ids {
		if msg, failed := report.Failed[id]; failed {
			fmt.Fprintf(tw, "%s\t-\t%s\n", id, msg)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t\n", id, report.Indexed[id])
	}
	_ = tw.Flush()
}
