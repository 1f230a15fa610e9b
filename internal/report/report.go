// Package report renders run summaries for the operator's terminal.
//
// Warnings and failures carry a tag so they survive being piped into a log
// or mail: WARN in yellow, FAIL in red, with colour dropped automatically
// when the writer is not a terminal.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/export"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/importer"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/satellite"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/state"
	"github.com/keithlinneman/linnemanlabs-satsync/internal/task"
)

const (
	yellow = lipgloss.Color("3")
	red    = lipgloss.Color("1")
	green  = lipgloss.Color("2")
	grey   = lipgloss.Color("8")
)

// Printer writes summaries to one writer.
type Printer struct {
	w io.Writer

	title lipgloss.Style
	key   lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	fail  lipgloss.Style
	dim   lipgloss.Style
}

// New detects the colour profile of w.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:     w,
		title: r.NewStyle().Bold(true).Underline(true),
		key:   r.NewStyle().Bold(true),
		ok:    r.NewStyle().Foreground(green),
		warn:  r.NewStyle().Foreground(yellow).Bold(true),
		fail:  r.NewStyle().Foreground(red).Bold(true),
		dim:   r.NewStyle().Foreground(grey),
	}
}

func (p *Printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

func (p *Printer) heading(s string) {
	p.printf("%s\n", p.title.Render(s))
}

func (p *Printer) field(k string, v any) {
	p.printf("  %s %v\n", p.key.Render(k+":"), v)
}

// Warn prints a tagged warning line.
func (p *Printer) Warn(format string, args ...any) {
	p.printf("%s %s\n", p.warn.Render("WARN"), fmt.Sprintf(format, args...))
}

// Fail prints a tagged failure line.
func (p *Printer) Fail(format string, args ...any) {
	p.printf("%s %s\n", p.fail.Render("FAIL"), fmt.Sprintf(format, args...))
}

func (p *Printer) status(s export.Status) string {
	switch s {
	case export.StatusExported:
		return p.ok.Render(string(s))
	case export.StatusConflict:
		return p.warn.Render(string(s))
	default:
		return p.fail.Render(string(s))
	}
}

// Export summarises an export run.
func (p *Printer) Export(rep export.Report) {
	p.heading("Export " + rep.Channel)
	p.field("dataset", rep.Dataset)
	p.field("kind", rep.Kind)
	if rep.Since != nil {
		p.field("since", rep.Since.Format(time.RFC3339))
	}
	if !rep.Finished.IsZero() {
		p.field("duration", rep.Finished.Sub(rep.Started).Truncate(time.Second))
	}
	if len(rep.Bundle.Chunks) > 0 {
		p.field("bundle", fmt.Sprintf("%d chunk(s), %s", len(rep.Bundle.Chunks), humanBytes(rep.Bundle.Bytes)))
		p.field("sums", rep.Bundle.SumsPath)
	}
	if rep.SignaturePath != "" {
		p.field("signature", rep.SignaturePath)
	}

	for _, res := range rep.Resources {
		line := fmt.Sprintf("    %-40s %s", res.Label, p.status(res.Status))
		if res.Status == export.StatusExported {
			line += fmt.Sprintf(" rpms=%d drpms=%d", res.NewRPMs, res.NewDRPMs)
			if !res.Included {
				line += " " + p.dim.Render("(empty, not listed)")
			}
		}
		p.printf("%s\n", line)
	}

	if rep.SkippedVerify {
		p.Warn("package signature verification was skipped")
	}
	for _, label := range rep.IncompleteSyncs {
		p.Warn("repository %s has an incomplete sync", label)
	}
	for _, res := range rep.Resources {
		switch {
		case res.Status == export.StatusConflict:
			p.Warn("%s was locked by another task and not exported", res.Label)
		case res.Status != export.StatusExported:
			p.Fail("%s: %s", res.Label, errText(res.Err, string(res.Status)))
		}
	}
}

// Import summarises an import run.
func (p *Printer) Import(rep importer.Report) {
	p.heading("Import " + rep.Channel)
	p.field("dataset", rep.Dataset)
	p.field("kind", rep.Kind)
	p.field("files", rep.Files)
	if rep.Reimport {
		p.field("reimport", true)
	}
	if len(rep.Synced) > 0 {
		p.field("synced", strings.Join(rep.Synced, ", "))
	}
	if rep.Recorded {
		p.printf("  %s\n", p.ok.Render("recorded in import history"))
	}
	if rep.RemovedInput {
		p.printf("  %s\n", p.dim.Render("input files removed"))
	}

	if len(rep.Gaps) > 0 {
		names := make([]string, len(rep.Gaps))
		for i, g := range rep.Gaps {
			names[i] = g.String()
		}
		p.Warn("missing earlier datasets: %s", strings.Join(names, ", "))
	}
	if rep.NoSync {
		p.Warn("repositories were not synchronized; run the sync before relying on this content")
	}
	for _, l := range rep.NotEnabled {
		p.Warn("%s is in the bundle but not enabled here", l)
	}
	for _, l := range rep.SyncConflict {
		p.Warn("%s was locked by another task and not synchronized", l)
	}
	for _, l := range rep.SyncFailed {
		p.Fail("%s failed to synchronize", l)
	}
	for _, c := range rep.Counts {
		switch c.Class {
		case importer.CountMatch:
		case importer.CountUnverified:
			p.Warn("%s content counts could not be verified: %v", c.Label, c.Err)
		case importer.CountAhead:
			p.Warn("%s has more content than exported (packages %d/%d, errata %d/%d)",
				c.Label, c.Local.Packages, c.Expected.Packages, c.Local.Errata, c.Expected.Errata)
		default:
			p.Fail("%s is %s (packages %d/%d, errata %d/%d)",
				c.Label, c.Class, c.Local.Packages, c.Expected.Packages, c.Local.Errata, c.Expected.Errata)
		}
	}
}

// History lists recorded datasets, oldest first. last > 0 keeps only the
// newest entries.
func (p *Printer) History(channel string, dir state.Direction, datasets []string, last int) {
	p.heading(fmt.Sprintf("%s history: %s", dir, channel))
	if len(datasets) == 0 {
		p.printf("  %s\n", p.dim.Render("none"))
		return
	}
	if last > 0 && len(datasets) > last {
		datasets = datasets[len(datasets)-last:]
	}
	for _, d := range datasets {
		p.printf("  %s\n", d)
	}
}

// Locks prints one line per checked resource.
func (p *Printer) Locks(locks map[string]task.Lock, order []string) {
	p.heading("Locks")
	for _, name := range order {
		l := locks[name]
		if !l.Locked {
			p.printf("  %-40s %s\n", name, p.ok.Render("free"))
			continue
		}
		p.printf("  %-40s %s task=%s action=%q %s\n",
			name, p.warn.Render("LOCKED"), l.Task.ID, l.Task.Action(), p.dim.Render(l.Reason))
	}
}

// IncompleteSyncs lists repositories whose last sync stopped with warnings.
func (p *Printer) IncompleteSyncs(repos []satellite.Repository) {
	p.heading("Sync status")
	if len(repos) == 0 {
		p.printf("  %s\n", p.ok.Render("all repositories synchronized cleanly"))
		return
	}
	for _, r := range repos {
		ended := ""
		if r.LastSync != nil {
			ended = r.LastSync.EndedAt
		}
		p.Warn("%s last sync incomplete %s", r.Label, p.dim.Render(ended))
	}
}

func errText(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
