// Package alert aggregates step results and reports them by email.
package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/alfops/alf-backup/pkg/util"
)

// Result is the outcome of one backup step. A failing step records its
// error here and the run continues, the aggregated report decides the
// process exit code and the alert at the end.
type Result struct {
	Step      string
	Success   bool
	Skipped   bool
	Path      string
	Err       error
	Detail    string
	StartedAt time.Time
	Duration  time.Duration
}

// Report collects the results of a whole run.
type Report struct {
	CustomerName string
	Hostname     string
	StartedAt    time.Time
	Results      []Result
}

// Add appends a step result.
func (r *Report) Add(res Result) {
	r.Results = append(r.Results, res)
}

// Failed reports whether any non-skipped step failed.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if !res.Skipped && !res.Success {
			return true
		}
	}
	return false
}

// Subject renders the alert subject line.
func (r *Report) Subject() string {
	date := r.StartedAt.Format("2006-01-02")
	if r.Failed() {
		return fmt.Sprintf("ALERT: Alfresco Backup Failed - %s - %s", r.CustomerName, date)
	}
	return fmt.Sprintf("Alfresco Backup OK - %s - %s", r.CustomerName, date)
}

var separator = strings.Repeat("=", 70)

// Body renders the plain-text report body.
func (r *Report) Body() string {
	var b strings.Builder

	status := "SUCCESS"
	if r.Failed() {
		status = "FAILURE"
	}

	fmt.Fprintf(&b, "%s\n", separator)
	fmt.Fprintf(&b, "Alfresco Backup Report - %s\n", r.CustomerName)
	fmt.Fprintf(&b, "%s\n", separator)
	fmt.Fprintf(&b, "Host:     %s\n", r.Hostname)
	fmt.Fprintf(&b, "Started:  %s\n", r.StartedAt.Format(time.RFC1123))
	fmt.Fprintf(&b, "Status:   %s\n", status)

	for _, res := range r.Results {
		fmt.Fprintf(&b, "%s\n", separator)
		fmt.Fprintf(&b, "Step:     %s\n", res.Step)
		switch {
		case res.Skipped:
			fmt.Fprintf(&b, "Result:   SKIPPED\n")
		case res.Success:
			fmt.Fprintf(&b, "Result:   OK\n")
		default:
			fmt.Fprintf(&b, "Result:   FAILED\n")
		}
		if res.Duration > 0 {
			fmt.Fprintf(&b, "Duration: %s\n", res.Duration.Truncate(time.Second))
		}
		if res.Path != "" {
			fmt.Fprintf(&b, "Path:     %s\n", res.Path)
		}
		if res.Detail != "" {
			fmt.Fprintf(&b, "Detail:   %s\n", res.Detail)
		}
		if res.Err != nil {
			fmt.Fprintf(&b, "Error:    %s\n", res.Err)
		}
	}

	fmt.Fprintf(&b, "%s\n", separator)
	return b.String()
}

// SizeDetail is a helper for steps reporting a produced archive size.
func SizeDetail(n int64) string {
	return "size " + util.FormatBytes(n)
}
