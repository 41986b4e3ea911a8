// render.go powers rollctl's terminal output: plan previews, run reports, and probe tables.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/example/rollctl/internal/plan"
	"github.com/example/rollctl/internal/probe"
	"github.com/example/rollctl/internal/rollout"
)

var (
	badgeOK   = color.New(color.FgGreen, color.Bold)
	badgeWarn = color.New(color.FgYellow, color.Bold)
	badgeFail = color.New(color.FgRed, color.Bold)
	badgeDim  = color.New(color.Faint)
)

func statusBadge(status plan.Status) string {
	switch status {
	case plan.StatusDeployed:
		return badgeOK.Sprint("DEPLOYED")
	case plan.StatusFailed:
		return badgeFail.Sprint("FAILED")
	case plan.StatusSkipped:
		return badgeDim.Sprint("SKIPPED")
	default:
		return string(status)
	}
}

func outcomeBadge(outcome probe.Outcome) string {
	switch outcome {
	case probe.OutcomePass:
		return badgeOK.Sprint("PASS")
	case probe.OutcomeWarn:
		return badgeWarn.Sprint("WARN")
	case probe.OutcomeFail:
		return badgeFail.Sprint("FAIL")
	default:
		return string(outcome)
	}
}

func renderPlanPreview(out io.Writer, p *plan.Plan) {
	fmt.Fprintf(out, "Plan for environment %q: %d stacks in %d waves\n\n", p.Environment, len(p.Stacks), len(p.Waves))
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WAVE\tSTACK\tREMOTE NAME\tDEPENDS ON")
	for i, wave := range p.Waves {
		for _, name := range wave {
			s := p.ByName[name]
			deps := strings.Join(s.DependsOn, ", ")
			if deps == "" {
				deps = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, s.Name, s.RemoteName, deps)
		}
	}
	_ = w.Flush()
	if len(p.Secrets) > 0 {
		fmt.Fprintf(out, "\n%d secret binding(s), %d trust relationship(s), %d probe(s) would follow.\n",
			len(p.Secrets), len(p.Trust), len(p.Probes))
	}
}

func renderReport(out io.Writer, report *rollout.Report) {
	duration := report.FinishedAt.Sub(report.StartedAt).Round(time.Second)
	fmt.Fprintf(out, "\nRun %s (%s) finished %s in %s\n\n", report.RunID, report.Environment, report.Status, duration)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STACK\tSTATUS\tATTEMPTS\tERROR")
	for _, s := range report.Stacks {
		errText := s.Error
		if errText == "" {
			errText = "-"
		} else if s.ErrorClass != "" {
			errText = fmt.Sprintf("[%s] %s", s.ErrorClass, truncate(errText, 80))
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, statusBadge(s.Status), s.Attempts, errText)
	}
	_ = w.Flush()

	if len(report.Bindings) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SECRET\tSOURCE\tOUTCOME")
		for _, b := range report.Bindings {
			outcome := string(b.Outcome)
			switch {
			case b.Skipped:
				outcome = badgeDim.Sprint("skipped")
			case b.Error != "":
				outcome = badgeFail.Sprintf("error: %s", truncate(b.Error, 60))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", b.SecretID, b.SourceStack, outcome)
		}
		_ = w.Flush()
	}

	if len(report.Trust) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TRUST ROLE\tVERIFIED\tERROR")
		for _, t := range report.Trust {
			verified := badgeFail.Sprint("no")
			if t.Relationship.Verified {
				verified = badgeOK.Sprint("yes")
			}
			errText := t.Error
			if errText == "" {
				errText = "-"
			} else if t.ErrorClass != "" {
				errText = fmt.Sprintf("[%s] %s", t.ErrorClass, truncate(errText, 60))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.Relationship.RoleARN(), verified, errText)
		}
		_ = w.Flush()
	}

	if len(report.Probes) > 0 {
		fmt.Fprintln(out)
		renderProbes(out, report.Probes)
	}

	if hints := report.Hints(); len(hints) > 0 {
		fmt.Fprintln(out)
		for _, hint := range hints {
			fmt.Fprintf(out, "Hint: %s\n", hint)
		}
	}
}

func renderProbes(out io.Writer, results []probe.Result) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROBE\tOUTCOME\tLATENCY\tDETAIL")
	for _, res := range results {
		detail := res.Detail
		if detail == "" {
			detail = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			res.Spec.Name, outcomeBadge(res.Outcome), res.Latency.Round(time.Millisecond), truncate(detail, 80))
	}
	_ = w.Flush()
}

func renderRunIndex(out io.Writer, entries []rollout.RunIndexEntry) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tENVIRONMENT\tSTATUS\tDEPLOYED\tFAILED\tSKIPPED\tSTARTED")
	for _, e := range entries {
		started := e.StartedAt
		if started == "" {
			started = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			e.RunID, e.Environment, e.Status, e.Deployed, e.Failed, e.Skipped, started)
	}
	_ = w.Flush()
}

func renderReportJSON(out io.Writer, report *rollout.Report) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func renderProbesJSON(out io.Writer, results []probe.Result) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func truncate(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

// consoleObserver streams run events to the terminal as they happen.
type consoleObserver struct {
	out io.Writer
}

func newConsoleObserver(out io.Writer) *consoleObserver {
	return &consoleObserver{out: out}
}

func (c *consoleObserver) ObserveEvent(ev rollout.Event) {
	switch ev.Type {
	case rollout.StackDeploying:
		if ev.Attempt > 1 {
			fmt.Fprintf(c.out, "%s deploying (attempt %d)\n", ev.Stack, ev.Attempt)
		} else {
			fmt.Fprintf(c.out, "%s deploying\n", ev.Stack)
		}
	case rollout.StackDeployed:
		fmt.Fprintf(c.out, "%s %s\n", ev.Stack, badgeOK.Sprint(ev.Message))
	case rollout.StackFailed:
		msg := ""
		if ev.Error != nil {
			msg = fmt.Sprintf(" [%s] %s", ev.Error.Class, truncate(ev.Error.Message, 100))
		}
		fmt.Fprintf(c.out, "%s %s%s\n", ev.Stack, badgeFail.Sprint("failed"), msg)
	case rollout.StackSkipped:
		fmt.Fprintf(c.out, "%s %s (%s)\n", ev.Stack, badgeDim.Sprint("skipped"), ev.Message)
	case rollout.RetryScheduled:
		fmt.Fprintf(c.out, "%s %s\n", ev.Stack, ev.Message)
	case rollout.SecretProvisioned:
		fmt.Fprintf(c.out, "secret %s\n", ev.Message)
	case rollout.SecretFailed:
		fmt.Fprintf(c.out, "secret %s %s\n", ev.Message, badgeFail.Sprint("failed"))
	case rollout.TrustVerified:
		fmt.Fprintf(c.out, "trust %s %s\n", ev.Message, badgeOK.Sprint("verified"))
	case rollout.TrustFailed:
		fmt.Fprintf(c.out, "trust %s %s\n", ev.Message, badgeFail.Sprint("failed"))
	}
}
