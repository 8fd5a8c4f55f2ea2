package probe

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/NavarchProject/clustercheck/pkg/retry"
)

// Default introspection endpoints of the OpenContrail processes.
const (
	DefaultAPIURL             = "http://localhost:8082"
	DefaultControlInstanceURL = "http://localhost:8083/Snh_ShowRoutingInstanceSummaryReq"
	DefaultAgentRouteURL      = "http://localhost:8085/Snh_Inet4UcRouteReq"
	DefaultXMPPPort           = 5269
)

var (
	vifSectionRE = regexp.MustCompile(`^vif0/(\d+)\s+OS:\s([\w.-]+)`)
	vifVRFRE     = regexp.MustCompile(`Vrf:(\d+)`)
)

func curlCmd(url string) string {
	return "curl -sS " + shellescape.Quote(url)
}

// APIStatus checks that the configuration API answers with a JSON document.
func APIStatus(c Commander, url string) (Result, error) {
	const name = "api-status"

	stdout, stderr, err := c.Run(curlCmd(url), false)
	if err != nil {
		return Result{}, err
	}

	var body any
	if err := json.Unmarshal([]byte(joinOutput(stdout)), &body); err != nil {
		details := []string{fmt.Sprintf("unable to connect to the contrail-api server at %s: %v", url, err)}
		details = append(details, indent("  ", stderr)...)
		return fail(name, details...), nil
	}
	return pass(name), nil
}

type routingInstance struct {
	Name    string `xml:"name"`
	Deleted string `xml:"deleted"`
}

// ControlInstanceStatus checks that the control node is not holding on to a
// routing instance marked deleted, a common symptom of a stuck install.
func ControlInstanceStatus(c Commander, url string) (Result, error) {
	const name = "control-instance-status"

	stdout, stderr, err := c.Run(curlCmd(url), false)
	if err != nil {
		return Result{}, err
	}
	if len(stdout) == 0 {
		details := []string{"unable to get routing instance summary"}
		details = append(details, indent("  ", stderr)...)
		return fail(name, details...), nil
	}

	instances, err := decodeAll[routingInstance](joinOutput(stdout), "ShowRoutingInstanceSummaryResp", "ShowRoutingInstance")
	if err != nil {
		return fail(name, fmt.Sprintf("malformed routing instance summary: %v", err)), nil
	}

	var details []string
	for _, inst := range instances {
		if strings.TrimSpace(inst.Deleted) == "true" {
			details = append(details, fmt.Sprintf("instance %s deleted", strings.TrimSpace(inst.Name)))
		}
	}
	if len(details) > 0 {
		return fail(name, details...), nil
	}
	return pass(name, fmt.Sprintf("%d routing instances", len(instances))), nil
}

// XMPPSessions polls until exactly want XMPP sessions are established to the
// control node on port.
func XMPPSessions(c Commander, port, want int, policy retry.Policy) (Result, error) {
	const name = "xmpp-sessions"

	cmd := fmt.Sprintf(`netstat -nt | grep -E ':%d\s+.*ESTABLISHED'`, port)
	out, err := retry.Poll(policy, func() ([]string, bool, error) {
		stdout, _, err := c.Run(cmd, false)
		if err != nil {
			return nil, false, err
		}
		sessions := nonEmpty(stdout)
		return sessions, len(sessions) == want, nil
	})
	if err != nil {
		return Result{}, err
	}
	if out.OK {
		return pass(name), nil
	}

	details := []string{fmt.Sprintf("XMPP sessions: %d established, want %d (after %d attempts)",
		len(out.Value), want, out.Attempts)}
	details = append(details, indent("  ", out.Value)...)
	return fail(name, details...), nil
}

type ucRoute struct {
	SrcIP   string `xml:"src_ip"`
	SrcPlen string `xml:"src_plen"`
}

// svcRouteTolerance is the number of service addresses allowed to have no
// host route in the gateway VRF. The default kubernetes service address is
// not advertised to the gateway.
const svcRouteTolerance = 1

// GatewaySvcRoutes checks that the service VRF on a gateway carries /32
// routes for the cluster service addresses.
//
// The VRF index is read from the vif section of the named gateway interface,
// then the agent's unicast route table for that VRF is fetched.
func GatewaySvcRoutes(gateway, master Commander, iface, routeURL string) (Result, error) {
	const name = "gateway-service-routes"

	svc, details, err := serviceIPs(master)
	if err != nil {
		return Result{}, err
	}
	if svc == nil {
		return fail(name, details...), nil
	}
	if len(svc) < 3 {
		return fail(name, fmt.Sprintf("expected at least 3 cluster IPs, got %d: %s",
			len(svc), strings.Join(svc, " "))), nil
	}

	stdout, _, err := gateway.Run("vif --list", false)
	if err != nil {
		return Result{}, err
	}
	vrf, ok := vifVRF(stdout, iface)
	if !ok {
		return fail(name, fmt.Sprintf("unable to determine vrf id of interface %s", iface)), nil
	}

	url := routeURL + "?uc_index=" + strconv.Itoa(vrf)
	stdout, stderr, err := gateway.Run(curlCmd(url), false)
	if err != nil {
		return Result{}, err
	}
	routes, err := decodeAll[ucRoute](joinOutput(stdout), "Inet4UcRouteResp", "RouteUcSandeshData")
	if err != nil {
		details := []string{fmt.Sprintf("malformed route table for vrf %d: %v", vrf, err)}
		details = append(details, indent("  ", stderr)...)
		return fail(name, details...), nil
	}

	absent := newStringSet(svc)
	for _, r := range routes {
		if strings.TrimSpace(r.SrcPlen) == "32" {
			delete(absent, strings.TrimSpace(r.SrcIP))
		}
	}

	if len(absent) > svcRouteTolerance {
		return fail(name, fmt.Sprintf("services not in gateway vrf %d: %s",
			vrf, strings.Join(absent.sorted(), ", "))), nil
	}
	return pass(name), nil
}

// vifVRF returns the VRF index listed in the `vif --list` section of iface.
// Only lines belonging to that section are considered.
func vifVRF(lines []string, iface string) (int, bool) {
	inSection := false
	for _, line := range lines {
		if m := vifSectionRE.FindStringSubmatch(line); m != nil {
			if inSection {
				break
			}
			inSection = m[2] == iface
			continue
		}
		if !inSection {
			continue
		}
		if m := vifVRFRE.FindStringSubmatch(line); m != nil {
			vrf, err := strconv.Atoi(m[1])
			if err != nil {
				return 0, false
			}
			return vrf, true
		}
	}
	return 0, false
}

// decodeAll decodes every element named local, at any depth, into a T. The
// document element must be named root; a body without it is an error.
func decodeAll[T any](doc, root, local string) ([]T, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	var out []T
	seenRoot := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if !seenRoot {
				return nil, fmt.Errorf("no <%s> document", root)
			}
			return out, nil
		}
		if err != nil {
			return out, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !seenRoot {
			if se.Name.Local != root {
				return nil, fmt.Errorf("unexpected document <%s>, want <%s>", se.Name.Local, root)
			}
			seenRoot = true
			continue
		}
		if se.Name.Local != local {
			continue
		}
		var v T
		if err := dec.DecodeElement(&v, &se); err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

func nonEmpty(lines []string) []string {
	var out []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}
