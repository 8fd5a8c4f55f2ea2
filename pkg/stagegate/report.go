package stagegate

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pterm/pterm"

	"github.com/NavarchProject/clustercheck/pkg/inventory"
	"github.com/NavarchProject/clustercheck/pkg/probe"
)

// Record is one probe verdict attributed to the host it ran against.
type Record struct {
	Host   string
	Result probe.Result
}

// Report is the outcome of a validation run.
type Report struct {
	RunID    string
	Stage    Stage
	Records  []Record
	Duration time.Duration

	// Err is set when the run was aborted by a connection failure.
	Err error
}

// OK is true when the run completed and every scheduled probe passed.
func (r *Report) OK() bool {
	if r.Err != nil {
		return false
	}
	for _, rec := range r.Records {
		if !rec.Result.OK {
			return false
		}
	}
	return true
}

// Failed returns the failing records in run order.
func (r *Report) Failed() []Record {
	var out []Record
	for _, rec := range r.Records {
		if !rec.Result.OK {
			out = append(out, rec)
		}
	}
	return out
}

// Reporter receives the progress of a run.
type Reporter interface {
	Start(runID string, stage Stage, inv *inventory.Inventory)
	Record(rec Record)
	Finish(report *Report)
}

// Console prints a run for a human at a terminal.
type Console struct {
	w io.Writer
}

// NewConsole creates a console reporter writing to w (os.Stdout if nil).
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w}
}

func (c *Console) Start(runID string, stage Stage, inv *inventory.Inventory) {
	pterm.DefaultSection.WithWriter(c.w).Println("Validating " + stage.String())
	pterm.Info.WithWriter(c.w).Printfln("masters: %s", hostList(inv.Masters))
	pterm.Info.WithWriter(c.w).Printfln("nodes: %s", hostList(inv.Nodes))
	pterm.Info.WithWriter(c.w).Printfln("gateways: %s", hostList(inv.Gateways))
	pterm.Info.WithWriter(c.w).Printfln("run %s", runID)
	fmt.Fprintln(c.w)
}

// Record prints a passing probe on one line and a failing probe with its
// details as soon as it completes.
func (c *Console) Record(rec Record) {
	label := rec.Result.Name + " on " + rec.Host
	if rec.Result.OK {
		pterm.Success.WithWriter(c.w).Println(label)
		return
	}
	pterm.Error.WithWriter(c.w).Println(label)
	for _, d := range rec.Result.Details {
		fmt.Fprintln(c.w, "    "+d)
	}
}

// Finish prints the summary table and the overall verdict.
func (c *Console) Finish(report *Report) {
	fmt.Fprintln(c.w)

	table := tablewriter.NewWriter(c.w)
	table.Header("Host", "Probe", "Result")
	for _, rec := range report.Records {
		status := "PASS"
		if !rec.Result.OK {
			status = "FAIL"
		}
		table.Append([]string{rec.Host, rec.Result.Name, status})
	}
	table.Render()

	fmt.Fprintln(c.w)
	if report.Err != nil {
		pterm.Error.WithWriter(c.w).Printfln("aborted: %v", report.Err)
	}
	if report.OK() {
		pterm.Success.WithWriter(c.w).Printfln("PASS %s (%d probes, %s)",
			report.Stage, len(report.Records), report.Duration.Round(time.Millisecond))
		return
	}
	pterm.Error.WithWriter(c.w).Printfln("FAIL %s (%d of %d probes failed)",
		report.Stage, len(report.Failed()), len(report.Records))
}

func hostList(hosts []string) string {
	if len(hosts) == 0 {
		return "-"
	}
	return strings.Join(hosts, ", ")
}
