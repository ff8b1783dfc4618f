// Package inspect renders journal records for `relay inspect`.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/PrzemekSekula/laser-train/internal/storage"
)

// Source reads task records. *storage.Journal implements it.
type Source interface {
	Recent(ctx context.Context, limit int) ([]storage.TaskRecord, error)
	Get(ctx context.Context, taskID string) (*storage.TaskRecord, error)
}

// Report is the machine-readable form of one task record.
type Report struct {
	storage.TaskRecord
	QueuedFor string `json:"queued_for,omitempty"`
	RanFor    string `json:"ran_for,omitempty"`
}

// BuildReport renders a terminal-friendly report for one task.
func BuildReport(ctx context.Context, src Source, taskID string) (string, error) {
	report, err := gatherReport(ctx, src, taskID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Task Report\n")
	fmt.Fprintf(&out, "Task ID     : %s\n", report.ID)
	fmt.Fprintf(&out, "Name        : %s\n", report.Name)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Submitted   : %s\n", report.SubmittedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Dispatched  : %s\n", renderTime(report.DispatchedAt))
	fmt.Fprintf(&out, "Finished    : %s\n", renderTime(report.FinishedAt))
	fmt.Fprintf(&out, "Queued for  : %s\n", renderUnset(report.QueuedFor, "<n/a>"))
	fmt.Fprintf(&out, "Ran for     : %s\n", renderUnset(report.RanFor, "<n/a>"))
	if report.Reason != "" {
		fmt.Fprintf(&out, "Reason      : %s\n", report.Reason)
	}

	fmt.Fprintf(&out, "Args        :\n")
	for _, line := range strings.Split(strings.TrimSpace(prettyJSON(report.Args, "[]")), "\n") {
		fmt.Fprintf(&out, "  %s\n", line)
	}
	fmt.Fprintf(&out, "Result      :\n")
	for _, line := range strings.Split(strings.TrimSpace(prettyJSON(report.Result, "<none>")), "\n") {
		fmt.Fprintf(&out, "  %s\n", line)
	}

	return out.String(), nil
}

// BuildJSONReport returns the JSON form of BuildReport.
func BuildJSONReport(ctx context.Context, src Source, taskID string) (string, error) {
	report, err := gatherReport(ctx, src, taskID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// WriteList prints the most recent tasks as a table.
func WriteList(ctx context.Context, w io.Writer, src Source, limit int) error {
	records, err := src.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK ID\tNAME\tSTATUS\tSUBMITTED\tRAN FOR")
	for _, r := range records {
		ran := "-"
		if d, ok := span(r.DispatchedAt, r.FinishedAt); ok {
			ran = d
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Name, r.Status, r.SubmittedAt.Local().Format("2006-01-02 15:04:05"), ran)
	}
	return tw.Flush()
}

func gatherReport(ctx context.Context, src Source, taskID string) (*Report, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("task_id is required")
	}

	rec, err := src.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", taskID, err)
	}

	report := &Report{TaskRecord: *rec}
	submitted := rec.SubmittedAt
	if d, ok := span(&submitted, rec.DispatchedAt); ok {
		report.QueuedFor = d
	}
	if d, ok := span(rec.DispatchedAt, rec.FinishedAt); ok {
		report.RanFor = d
	}
	return report, nil
}

func span(from, to *time.Time) (string, bool) {
	if from == nil || to == nil {
		return "", false
	}
	return to.Sub(*from).Round(time.Millisecond).String(), true
}

func renderTime(t *time.Time) string {
	if t == nil {
		return "<never>"
	}
	return t.Format(time.RFC3339Nano)
}

func prettyJSON(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
