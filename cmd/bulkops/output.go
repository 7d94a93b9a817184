package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/tidwall/gjson"

	"github.com/dgnsrekt/bulkops/internal/action"
	"github.com/dgnsrekt/bulkops/internal/controller"
	"github.com/dgnsrekt/bulkops/internal/runs"
	"github.com/dgnsrekt/bulkops/internal/types"
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	bold   = color.New(color.Bold)
	faint  = color.New(color.Faint)
)

func statusColor(s runs.Status) *color.Color {
	switch s {
	case runs.StatusCompleted:
		return green
	case runs.StatusCancelled:
		return yellow
	case runs.StatusFailed:
		return red
	default:
		return bold
	}
}

func printSummary(w io.Writer, rec runs.Record) {
	fmt.Fprintf(w, "%s %s  %s\n", bold.Sprint("run"), rec.ID, statusColor(rec.Status).Sprint(strings.ToUpper(string(rec.Status))))
	fmt.Fprintf(w, "  action:  %s %s (%s)\n", rec.Method, rec.URL, rec.Action)
	fmt.Fprintf(w, "  batches: %d/%d  targets: %d\n", rec.CompletedBatches, rec.Batches, rec.Targets)
	fmt.Fprintf(w, "  %s  %s  %s\n",
		green.Sprintf("success %d", rec.Summary.Success),
		red.Sprintf("failed %d", rec.Summary.Failed),
		yellow.Sprintf("skipped %d", rec.Summary.Skipped),
	)
	if rec.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", red.Sprint(rec.Error))
	}

	for _, r := range rec.Results {
		switch r.Outcome {
		case types.OutcomeFailed:
			fmt.Fprintf(w, "  %s %s: %s\n", red.Sprint("x"), r.TargetID, resultDetail(r))
		case types.OutcomeSkipped:
			fmt.Fprintf(w, "  %s %s: %s\n", yellow.Sprint("-"), r.TargetID, resultDetail(r))
		}
	}
}

func resultDetail(r types.OperationResult) string {
	if r.Status > 0 {
		return fmt.Sprintf("%s (status %d, %d attempts)", r.Message, r.Status, r.Attempts)
	}
	return r.Message
}

// printProgress renders one progress feed payload.
func printProgress(w io.Writer, payload string) {
	p := gjson.Parse(payload)
	fmt.Fprintf(w, "%s batch %d/%d  %s %s %s\n",
		faint.Sprint(time.Now().Format("15:04:05")),
		p.Get("index").Int(), p.Get("total").Int(),
		green.Sprintf("ok=%d", p.Get("summary.success").Int()),
		red.Sprintf("failed=%d", p.Get("summary.failed").Int()),
		yellow.Sprintf("skipped=%d", p.Get("summary.skipped").Int()),
	)
}

func printState(w io.Writer, st controller.State) {
	creds := red.Sprint("missing")
	if st.HasCredentials {
		creds = green.Sprint("captured")
		if st.Stale {
			creds = yellow.Sprint("stale")
		}
	}
	fmt.Fprintf(w, "%s %s", bold.Sprint("credentials:"), creds)
	if st.CredentialAge != "" {
		fmt.Fprintf(w, " (%s ago)", st.CredentialAge)
	}
	fmt.Fprintln(w)
	for k, v := range st.Credentials {
		fmt.Fprintf(w, "  %s: %s\n", k, v)
	}

	fmt.Fprintf(w, "%s %d\n", bold.Sprint("targets:"), st.TargetCount)

	if st.Template != nil {
		fmt.Fprintf(w, "%s %s %s (%d byte body)\n", bold.Sprint("template:"), st.Template.Method, st.Template.URL, st.Template.BodyBytes)
	} else {
		fmt.Fprintf(w, "%s %s\n", bold.Sprint("template:"), faint.Sprint("none"))
	}

	rec := faint.Sprint("off")
	if st.RecordingMode {
		rec = yellow.Sprint("armed")
	}
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("recording:"), rec)

	if len(st.Tabs) > 0 {
		fmt.Fprintf(w, "%s\n", bold.Sprint("tabs:"))
		for _, t := range st.Tabs {
			fmt.Fprintf(w, "  %s %s\n", t.BrowserID, t.URL)
		}
	}
}

func printFeatures(w io.Writer, features []action.Feature) {
	for _, f := range features {
		fmt.Fprintf(w, "%s  %s %s\n", bold.Sprint(f.Name), f.Method, f.Endpoint)
		if f.Description != "" {
			fmt.Fprintf(w, "  %s\n", faint.Sprint(f.Description))
		}
	}
}

func printRuns(w io.Writer, recs []runs.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, faint.Sprint("no runs yet"))
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s  %s  %-10s %s  ok=%d failed=%d skipped=%d\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.ID,
			statusColor(r.Status).Sprint(r.Status),
			r.Action,
			r.Summary.Success, r.Summary.Failed, r.Summary.Skipped,
		)
	}
}
