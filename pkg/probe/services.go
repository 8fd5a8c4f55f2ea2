package probe

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

const serviceIPsCmd = "oc get svc -o jsonpath='{.items[*].spec.clusterIP}'"

// DefaultPingCount is the number of echo requests sent to each address.
const DefaultPingCount = 5

var pingSummaryRE = regexp.MustCompile(`^(\d+) packets transmitted, (\d+) received`)

// serviceIPs returns the cluster IPs of the services visible from master.
// Headless services ("None") are skipped. A nil slice means the listing was
// empty and details explains why.
func serviceIPs(master Commander) ([]string, []string, error) {
	stdout, stderr, err := master.Run(serviceIPsCmd, false)
	if err != nil {
		return nil, nil, err
	}
	if len(nonEmpty(stdout)) == 0 {
		details := []string{"no service IPs"}
		details = append(details, indent("  ", stderr)...)
		return nil, details, nil
	}

	ips := []string{}
	for _, field := range strings.Fields(nonEmpty(stdout)[0]) {
		if net.ParseIP(field) != nil {
			ips = append(ips, field)
		}
	}
	return ips, nil, nil
}

// dropDefaultService removes the first address ending in ".0.1", the
// kubernetes default service, which does not answer echo requests.
func dropDefaultService(ips []string) []string {
	out := make([]string, 0, len(ips))
	dropped := false
	for _, ip := range ips {
		if !dropped && strings.HasSuffix(ip, ".0.1") {
			dropped = true
			continue
		}
		out = append(out, ip)
	}
	return out
}

// PingServices checks that prober can reach every cluster service address.
// Each address must answer all count echo requests.
func PingServices(prober, master Commander, count int) (Result, error) {
	const name = "ping-services"

	if count <= 0 {
		count = DefaultPingCount
	}

	svc, details, err := serviceIPs(master)
	if err != nil {
		return Result{}, err
	}
	if svc == nil {
		return fail(name, details...), nil
	}

	ok := true
	for _, ip := range dropDefaultService(svc) {
		stdout, _, err := prober.Run(fmt.Sprintf("ping -c %d %s", count, shellescape.Quote(ip)), false)
		if err != nil {
			return Result{}, err
		}

		received, summary := parsePingSummary(stdout)
		if received != count {
			ok = false
			details = append(details, fmt.Sprintf("ping %s: %s", ip, summary))
		}
	}

	if !ok {
		return fail(name, details...), nil
	}
	return pass(name), nil
}

// parsePingSummary returns the received count and the summary line, or -1
// when ping printed no summary.
func parsePingSummary(lines []string) (int, string) {
	for _, line := range lines {
		m := pingSummaryRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return -1, line
		}
		return n, line
	}
	return -1, "no ping summary in output"
}
