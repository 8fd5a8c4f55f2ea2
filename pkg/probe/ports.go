package probe

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

const listenPortsCmd = "netstat -ntl"

// listenRE matches tcp and tcp6 lines of `netstat -ntl` in LISTEN state.
// Group 1 holds the IPv4 port, group 2 the IPv6 port.
var listenRE = regexp.MustCompile(
	`^(?:tcp\s+\d+\s+\d+\s+[0-9.]+:(\d+)|tcp6\s+\d+\s+\d+\s+[0-9a-fA-F:.]*:(\d+))\s+.*\s+LISTEN`)

// ListenPorts checks that every port in expected has a listening TCP socket.
// expected maps port numbers to a service label used in the diagnostics.
func ListenPorts(c Commander, expected map[int]string) (Result, error) {
	const name = "listen-ports"

	stdout, _, err := c.Run(listenPortsCmd, false)
	if err != nil {
		return Result{}, err
	}

	absent := make(map[int]string, len(expected))
	for port, label := range expected {
		absent[port] = label
	}

	for _, line := range stdout {
		port, ok := parseListenPort(line)
		if !ok {
			continue
		}
		delete(absent, port)
	}

	if len(absent) == 0 {
		return pass(name), nil
	}

	ports := make([]int, 0, len(absent))
	for p := range absent {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	details := []string{"service ports not listening:"}
	for _, p := range ports {
		details = append(details, fmt.Sprintf("  %d (%s)", p, absent[p]))
	}
	return fail(name, details...), nil
}

func parseListenPort(line string) (int, bool) {
	m := listenRE.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return port, true
}
