// Package output renders CLI results as tables or JSON.
package output

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"corral/internal/idresolve"
	"corral/pkg/protocol"
)

// Format is an output format.
type Format string

const (
	Table Format = "table"
	JSON  Format = "json"
)

// ParseFormat accepts "table" or "json" in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table":
		return Table, nil
	case "json":
		return JSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table or json)", s)
	}
}

// Printer writes results and messages.
type Printer struct {
	Out    io.Writer
	Err    io.Writer
	Format Format
}

// New creates a printer.
func New(out, errOut io.Writer, format Format) *Printer {
	return &Printer{Out: out, Err: errOut, Format: format}
}

func (p *Printer) json(v any) error {
	enc := json.NewEncoder(p.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Success prints a success message.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.Out, successStyle.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Info prints an informational message.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintln(p.Out, infoStyle.Render("ℹ "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning to the error stream.
func (p *Printer) Warning(format string, args ...any) {
	fmt.Fprintln(p.Err, warningStyle.Render("⚠ "+fmt.Sprintf(format, args...)))
}

// Error prints an error to the error stream.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.Err, errorStyle.Render("✗ "+fmt.Sprintf(format, args...)))
}

func (p *Printer) field(label string, value any) {
	fmt.Fprintf(p.Out, "  %s %v\n", labelStyle.Render(label+":"), value)
}

// Instance prints one instance.
func (p *Printer) Instance(inst *protocol.InstanceDetails) error {
	if p.Format == JSON {
		return p.json(inst)
	}

	fmt.Fprintln(p.Out)
	p.field("ID", inst.ID)
	p.field("Created", inst.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	p.field("RDP URL", urlStyle.Render(inst.RDPURL))
	p.field("RDP Port", inst.RDPPort)
	p.field("Console", inst.ConsolePort)
	p.field("Xpra URL", inst.XpraURL)
	p.field("Status", StyleStatus(inst.Status))
	if inst.Config.RDPPassword != nil {
		p.field("RDP Password", *inst.Config.RDPPassword)
	}
	if inst.Config.CPULimit != nil {
		p.field("CPU Limit", *inst.Config.CPULimit)
	}
	if inst.ContainerID != "" {
		p.field("Container", idresolve.Short(inst.ContainerID, 12))
	}
	fmt.Fprintln(p.Out)
	return nil
}

// InstanceList prints instances with IDs shortened to a length that keeps
// them distinct.
func (p *Printer) InstanceList(instances []protocol.InstanceDetails) error {
	if p.Format == JSON {
		if instances == nil {
			instances = []protocol.InstanceDetails{}
		}
		return p.json(instances)
	}
	if len(instances) == 0 {
		p.Info("No instances found")
		return nil
	}

	n := idresolve.SafeIDLength(idresolve.IDs(instances))
	w := tabwriter.NewWriter(p.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tRDP PORT\tCONSOLE\tSTATUS\tRDP URL")
	for _, inst := range instances {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			idresolve.Short(inst.ID, n),
			inst.CreatedAt.UTC().Format("2006-01-02 15:04"),
			inst.RDPPort, inst.ConsolePort, inst.Status, inst.RDPURL)
	}
	return w.Flush()
}

// CreateResult prints the response to a create request.
func (p *Printer) CreateResult(resp *protocol.CreateInstanceResponse) error {
	if p.Format == JSON {
		return p.json(resp)
	}
	fmt.Fprintln(p.Out)
	p.Success("Created instance: %s", resp.InstanceID)
	p.field("RDP URL", urlStyle.Render(resp.RDPURL))
	p.field("Xpra URL", resp.XpraURL)
	p.field("Console", resp.ConsolePort)
	p.field("Status", StyleStatus(resp.Status))
	fmt.Fprintln(p.Out)
	return nil
}

// Logs prints an instance's logs.
func (p *Printer) Logs(resp *protocol.LogsResponse) error {
	if p.Format == JSON {
		return p.json(resp)
	}
	fmt.Fprintf(p.Out, "Logs for instance %s:\n\n", labelStyle.Render(idresolve.Short(resp.InstanceID, idresolve.DefaultDisplayLength)))
	if resp.Logs == "" {
		p.Info("(no logs available)")
		return nil
	}
	fmt.Fprint(p.Out, resp.Logs)
	if !strings.HasSuffix(resp.Logs, "\n") {
		fmt.Fprintln(p.Out)
	}
	return nil
}

// StatusChange prints the result of a stop, start or restart.
func (p *Printer) StatusChange(action string, resp *protocol.StatusResponse) error {
	if p.Format == JSON {
		return p.json(resp)
	}
	p.Success("%s instance %s: %s", action, resp.ID, StyleStatus(resp.Status))
	return nil
}

// Deleted prints a delete confirmation.
func (p *Printer) Deleted(id string) error {
	if p.Format == JSON {
		return p.json(map[string]any{"id": id, "deleted": true})
	}
	p.Success("Deleted instance: %s", id)
	return nil
}

// Health prints the server health.
func (p *Printer) Health(healthy bool) error {
	if p.Format == JSON {
		return p.json(map[string]bool{"healthy": healthy})
	}
	if healthy {
		p.Success("API server is healthy")
	} else {
		p.Error("API server is not responding")
	}
	return nil
}

// Events prints lifecycle events.
func (p *Printer) Events(events []protocol.Event) error {
	if p.Format == JSON {
		if events == nil {
			events = []protocol.Event{}
		}
		return p.json(events)
	}
	if len(events) == 0 {
		p.Info("No events")
		return nil
	}

	w := tabwriter.NewWriter(p.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tINSTANCE\tSTATUS\tERROR")
	for _, ev := range events {
		ts := ev.Timestamp
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ts = t.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			ts, ev.Action, idresolve.Short(ev.InstanceID, idresolve.DefaultDisplayLength), ev.Status, ev.Error)
	}
	return w.Flush()
}

// ResolutionError explains a failed ID lookup. It reports false if err is
// not a resolution error.
func (p *Printer) ResolutionError(err error) bool {
	var notFound *idresolve.NotFoundError
	var ambiguous *idresolve.AmbiguousError
	switch {
	case errors.As(err, &notFound):
		p.Error("%v", err)
		p.Info("Use 'corral list' to see available instances")
		return true
	case errors.As(err, &ambiguous):
		p.Error("%v", err)
		p.Info("Matching instances:")
		w := tabwriter.NewWriter(p.Out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tCREATED\tSTATUS")
		for _, m := range ambiguous.Matches {
			fmt.Fprintf(w, "  %s...\t%s\t%s\n", idresolve.Short(m.ID, 12), m.CreatedAt.UTC().Format("2006-01-02 15:04"), m.Status)
		}
		w.Flush()
		p.Info("Use at least %d characters to uniquely identify", ambiguous.MinLength())
		return true
	default:
		return false
	}
}

// Confirm asks a yes/no question on out and reads the answer from in.
// Anything but y or yes is a no.
func Confirm(in io.Reader, out io.Writer, action, target string) bool {
	fmt.Fprintln(out, warningStyle.Render(fmt.Sprintf("⚠ About to %s: %s", action, target)))
	fmt.Fprint(out, "Continue? [y/N] ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
