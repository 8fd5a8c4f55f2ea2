package probe

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/NavarchProject/clustercheck/pkg/clock"
	"github.com/NavarchProject/clustercheck/pkg/retry"
)

// reply is one scripted command response.
type reply struct {
	stdout string
	stderr string
	err    error
}

// fakeCommander answers commands from a script. Each command maps to a
// sequence of replies; the last reply repeats once the sequence is used up.
type fakeCommander struct {
	mu       sync.Mutex
	script   map[string][]reply
	calls    []string
	elevated []bool
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{script: make(map[string][]reply)}
}

func (f *fakeCommander) on(cmd string, replies ...reply) *fakeCommander {
	f.script[cmd] = append(f.script[cmd], replies...)
	return f
}

func (f *fakeCommander) Run(command string, elevate bool) ([]string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, command)
	f.elevated = append(f.elevated, elevate)

	replies, ok := f.script[command]
	if !ok || len(replies) == 0 {
		return nil, []string{"command not found: " + command}, nil
	}
	r := replies[0]
	if len(replies) > 1 {
		f.script[command] = replies[1:]
	}
	return lines(r.stdout), lines(r.stderr), r.err
}

func (f *fakeCommander) count(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == cmd {
			n++
		}
	}
	return n
}

func lines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

var errTransport = errors.New("connection reset by peer")

func testPolicy(attempts int) (retry.Policy, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return retry.Policy{MaxAttempts: attempts, Interval: 10 * time.Second, Clock: clk}, clk
}
