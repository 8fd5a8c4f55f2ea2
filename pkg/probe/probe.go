// Package probe holds the diagnostic checks run against cluster hosts.
//
// Every probe reads command output from one or two hosts and returns a
// Result. The error return is reserved for transport failures, which end the
// validation run; malformed or unexpected output is a failed Result.
//
// Expected sets passed to a probe are copied before matching. The caller's
// map or slice is never modified.
package probe

import (
	"fmt"
	"sort"
	"strings"
)

// Commander runs a command on one host. remote.Session satisfies it.
type Commander interface {
	Run(command string, elevate bool) (stdout, stderr []string, err error)
}

// Result is the verdict of a single probe.
type Result struct {
	// Name identifies the probe in reports.
	Name string

	// OK is true when the host matched the expected state.
	OK bool

	// Details is the evidence: what was missing or unexpected.
	Details []string
}

func pass(name string, details ...string) Result {
	return Result{Name: name, OK: true, Details: details}
}

func fail(name string, details ...string) Result {
	return Result{Name: name, Details: details}
}

// String renders the result on one line followed by its details.
func (r Result) String() string {
	status := "ok"
	if !r.OK {
		status = "FAIL"
	}
	if len(r.Details) == 0 {
		return fmt.Sprintf("%s: %s", r.Name, status)
	}
	return fmt.Sprintf("%s: %s\n  %s", r.Name, status, strings.Join(r.Details, "\n  "))
}

// stringSet is a private working set used for set-difference matching.
type stringSet map[string]struct{}

func newStringSet(items []string) stringSet {
	s := make(stringSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func joinOutput(lines []string) string {
	return strings.Join(lines, "\n")
}

// indent prefixes each output line for inclusion in Details.
func indent(prefix string, lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, prefix+l)
	}
	return out
}
