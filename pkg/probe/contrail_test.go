package probe

import (
	"fmt"
	"strings"
	"testing"
)

func TestAPIStatus(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   bool
	}{
		{name: "empty object", stdout: "{}", want: true},
		{name: "links document", stdout: `{"href": "http://10.0.0.1:8082", "links": []}`, want: true},
		{name: "multi-line json", stdout: "{\n  \"links\": [\n  ]\n}", want: true},
		{name: "empty body", stdout: "", want: false},
		{name: "garbled", stdout: "{\"links\": [", want: false},
		{name: "html error page", stdout: "<html><body>502 Bad Gateway</body></html>", want: false},
		{name: "valid prefix with trailing garbage", stdout: "{} trailing", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeCommander().on(curlCmd(DefaultAPIURL), reply{stdout: tt.stdout})

			res, err := APIStatus(c, DefaultAPIURL)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.OK != tt.want {
				t.Errorf("APIStatus(%q).OK = %v, want %v", tt.stdout, res.OK, tt.want)
			}
		})
	}
}

func TestAPIStatus_IncludesStderr(t *testing.T) {
	c := newFakeCommander().on(curlCmd(DefaultAPIURL),
		reply{stderr: "curl: (7) Failed to connect to localhost port 8082: Connection refused"})

	res, err := APIStatus(c, DefaultAPIURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || !strings.Contains(res.String(), "Connection refused") {
		t.Errorf("expected failure with curl error, got %v", res)
	}
}

func routingInstanceSummary(deleted ...bool) string {
	var b strings.Builder
	b.WriteString(`<?xml-stylesheet type="text/xsl" href="/universal_parse.xsl"?>`)
	b.WriteString(`<ShowRoutingInstanceSummaryResp type="sandesh"><instances type="list" identifier="1"><list type="struct" size="`)
	b.WriteString(fmt.Sprint(len(deleted)))
	b.WriteString(`">`)
	for i, d := range deleted {
		fmt.Fprintf(&b, `<ShowRoutingInstance><name type="string" identifier="1">default-domain:default:net-%d</name>`+
			`<virtual_network type="string" identifier="2">net-%d</virtual_network>`+
			`<deleted type="bool" identifier="9">%v</deleted></ShowRoutingInstance>`, i, i, d)
	}
	b.WriteString(`</list></instances></ShowRoutingInstanceSummaryResp>`)
	return b.String()
}

func TestControlInstanceStatus(t *testing.T) {
	tests := []struct {
		name        string
		deleted     []bool
		wantOK      bool
		wantDetails int
	}{
		{name: "no instances", deleted: nil, wantOK: true},
		{name: "none deleted", deleted: []bool{false, false, false}, wantOK: true},
		{name: "one deleted", deleted: []bool{false, true, false}, wantOK: false, wantDetails: 1},
		{name: "two deleted", deleted: []bool{true, false, true}, wantOK: false, wantDetails: 2},
		{name: "all deleted", deleted: []bool{true, true, true, true}, wantOK: false, wantDetails: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeCommander().on(curlCmd(DefaultControlInstanceURL),
				reply{stdout: routingInstanceSummary(tt.deleted...)})

			res, err := ControlInstanceStatus(c, DefaultControlInstanceURL)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.OK != tt.wantOK {
				t.Fatalf("OK = %v, want %v (%v)", res.OK, tt.wantOK, res)
			}
			if !tt.wantOK && len(res.Details) != tt.wantDetails {
				t.Errorf("got %d details, want %d: %v", len(res.Details), tt.wantDetails, res.Details)
			}
		})
	}
}

func TestControlInstanceStatus_NamesDeletedInstance(t *testing.T) {
	c := newFakeCommander().on(curlCmd(DefaultControlInstanceURL),
		reply{stdout: routingInstanceSummary(false, true)})

	res, err := ControlInstanceStatus(c, DefaultControlInstanceURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Details) != 1 || res.Details[0] != "instance default-domain:default:net-1 deleted" {
		t.Errorf("details = %q", res.Details)
	}
}

func TestControlInstanceStatus_BadOutput(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
	}{
		{name: "empty", stdout: ""},
		{name: "truncated xml", stdout: "<ShowRoutingInstanceSummaryResp><instances><list><ShowRoutingInstance><name>x"},
		{name: "not found page", stdout: "404 page not found"},
		{name: "blank line", stdout: "\n"},
		{name: "curl error on stdout", stdout: "curl: (7) Failed to connect"},
		{name: "html error page", stdout: "<html><body>502 Bad Gateway</body></html>"},
		{name: "other sandesh response", stdout: "<Inet4UcRouteResp type=\"sandesh\"></Inet4UcRouteResp>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeCommander().on(curlCmd(DefaultControlInstanceURL), reply{stdout: tt.stdout})

			res, err := ControlInstanceStatus(c, DefaultControlInstanceURL)
			if err != nil {
				t.Fatalf("malformed output must not be fatal: %v", err)
			}
			if res.OK {
				t.Error("expected failure")
			}
		})
	}
}

func xmppCmd() string {
	return fmt.Sprintf(`netstat -nt | grep -E ':%d\s+.*ESTABLISHED'`, DefaultXMPPPort)
}

func xmppSessions(n int) string {
	var out []string
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("tcp        0      0 10.0.0.1:5269           10.0.0.%d:4%04d        ESTABLISHED", 10+i, i))
	}
	return strings.Join(out, "\n")
}

func TestXMPPSessions_EventuallyEstablished(t *testing.T) {
	c := newFakeCommander().on(xmppCmd(),
		reply{stdout: xmppSessions(2)},
		reply{stdout: xmppSessions(2)},
		reply{stdout: xmppSessions(2)},
		reply{stdout: xmppSessions(2)},
		reply{stdout: xmppSessions(2)},
		reply{stdout: xmppSessions(3)},
	)
	policy, clk := testPolicy(18)

	res, err := XMPPSessions(c, DefaultXMPPPort, 3, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected pass, got %v", res)
	}
	if n := c.count(xmppCmd()); n != 6 {
		t.Errorf("ran %d times, want 6", n)
	}
	if got := clk.Slept(); got != 5*policy.Interval {
		t.Errorf("slept %v, want %v", got, 5*policy.Interval)
	}
}

func TestXMPPSessions_TooMany(t *testing.T) {
	c := newFakeCommander().on(xmppCmd(), reply{stdout: xmppSessions(4)})
	policy, _ := testPolicy(3)

	res, err := XMPPSessions(c, DefaultXMPPPort, 3, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("4 sessions must not satisfy an exact count of 3")
	}
	if n := c.count(xmppCmd()); n != 3 {
		t.Errorf("ran %d times, want 3", n)
	}
	if !strings.Contains(res.Details[0], "4 established") {
		t.Errorf("details = %q", res.Details)
	}
}

const vifList = `Vrouter Interface Table

Flags: P=Policy, X=Cross Connect, S=Service Chain, Mr=Receive Mirror

vif0/0      OS: eth0
            Type:Physical HWaddr:0a:1b:2c:3d:4e:5f IPaddr:0
            Vrf:0 Flags:L3L2 MTU:1514 Ref:5
            RX packets:1000  bytes:100000 errors:0

vif0/1      OS: vhost0
            Type:Host HWaddr:0a:1b:2c:3d:4e:5f IPaddr:a000001
            Vrf:0 Flags:L3L2 MTU:1514 Ref:3

vif0/3      OS: gateway1
            Type:Gateway HWaddr:00:00:5e:00:01:00 IPaddr:0
            Vrf:4 Flags:L3 MTU:1514 Ref:2

vif0/4      OS: tapabc123
            Type:Virtual HWaddr:00:00:5e:00:01:00 IPaddr:0
            Vrf:7 Flags:PL3L2 MTU:9160 Ref:6
`

func TestVifVRF(t *testing.T) {
	tests := []struct {
		name  string
		iface string
		vrf   int
		ok    bool
	}{
		{name: "gateway interface", iface: "gateway1", vrf: 4, ok: true},
		{name: "physical interface", iface: "eth0", vrf: 0, ok: true},
		{name: "last section", iface: "tapabc123", vrf: 7, ok: true},
		{name: "absent interface", iface: "gateway2", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vrf, ok := vifVRF(lines(vifList), tt.iface)
			if vrf != tt.vrf || ok != tt.ok {
				t.Errorf("vifVRF(%s) = %d, %v; want %d, %v", tt.iface, vrf, ok, tt.vrf, tt.ok)
			}
		})
	}
}

func TestVifVRF_SectionWithoutVrf(t *testing.T) {
	out := "vif0/3      OS: gateway1\n            Type:Gateway\nvif0/4      OS: tap0\n            Vrf:7 Flags:L3\n"

	if vrf, ok := vifVRF(lines(out), "gateway1"); ok {
		t.Errorf("borrowed vrf %d from the next section", vrf)
	}
}

func routeTable(routes map[string]int) string {
	var b strings.Builder
	b.WriteString(`<Inet4UcRouteResp type="sandesh"><route_list type="list" identifier="1"><list type="struct" size="1">`)
	for ip, plen := range routes {
		fmt.Fprintf(&b, `<RouteUcSandeshData><src_ip type="string" identifier="1">%s</src_ip>`+
			`<src_plen type="i32" identifier="2">%d</src_plen><src_vrf type="string" identifier="3">svc</src_vrf></RouteUcSandeshData>`, ip, plen)
	}
	b.WriteString(`</list></route_list></Inet4UcRouteResp>`)
	return b.String()
}

func gatewayFixture(svc string, routes map[string]int) (gw, master *fakeCommander) {
	master = newFakeCommander().on(serviceIPsCmd, reply{stdout: svc})
	gw = newFakeCommander().
		on("vif --list", reply{stdout: vifList}).
		on(curlCmd(DefaultAgentRouteURL+"?uc_index=4"), reply{stdout: routeTable(routes)})
	return gw, master
}

func TestGatewaySvcRoutes(t *testing.T) {
	const svc = "172.30.0.1 172.30.12.5 172.30.40.7 172.30.99.2"

	tests := []struct {
		name   string
		routes map[string]int
		want   bool
	}{
		{
			name:   "all routed",
			routes: map[string]int{"172.30.0.1": 32, "172.30.12.5": 32, "172.30.40.7": 32, "172.30.99.2": 32},
			want:   true,
		},
		{
			name:   "default service unrouted",
			routes: map[string]int{"172.30.12.5": 32, "172.30.40.7": 32, "172.30.99.2": 32},
			want:   true,
		},
		{
			name:   "two unrouted",
			routes: map[string]int{"172.30.12.5": 32, "172.30.40.7": 32},
			want:   false,
		},
		{
			name:   "prefix routes do not count",
			routes: map[string]int{"172.30.12.5": 24, "172.30.40.7": 32, "172.30.99.2": 32},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, master := gatewayFixture(svc, tt.routes)

			res, err := GatewaySvcRoutes(gw, master, "gateway1", DefaultAgentRouteURL)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.OK != tt.want {
				t.Errorf("OK = %v, want %v (%v)", res.OK, tt.want, res)
			}
		})
	}
}

func TestGatewaySvcRoutes_TooFewServices(t *testing.T) {
	gw, master := gatewayFixture("172.30.0.1 172.30.12.5", nil)

	res, err := GatewaySvcRoutes(gw, master, "gateway1", DefaultAgentRouteURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure with fewer than 3 services")
	}
	if gw.count("vif --list") != 0 {
		t.Error("gateway queried despite too few services")
	}
}

func TestGatewaySvcRoutes_NoVRF(t *testing.T) {
	gw, master := gatewayFixture("172.30.0.1 172.30.12.5 172.30.40.7", nil)

	res, err := GatewaySvcRoutes(gw, master, "gateway9", DefaultAgentRouteURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || !strings.Contains(res.String(), "vrf id") {
		t.Errorf("expected vrf failure, got %v", res)
	}
}

func TestGatewaySvcRoutes_NoServices(t *testing.T) {
	master := newFakeCommander().on(serviceIPsCmd, reply{stderr: "error: You must be logged in to the server (Unauthorized)"})
	gw := newFakeCommander()

	res, err := GatewaySvcRoutes(gw, master, "gateway1", DefaultAgentRouteURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || !strings.Contains(res.String(), "Unauthorized") {
		t.Errorf("expected failure with oc error, got %v", res)
	}
}

func TestGatewaySvcRoutes_NotARouteTable(t *testing.T) {
	master := newFakeCommander().on(serviceIPsCmd, reply{stdout: "172.30.0.1 172.30.12.5 172.30.40.7"})
	gw := newFakeCommander().
		on("vif --list", reply{stdout: vifList}).
		on(curlCmd(DefaultAgentRouteURL+"?uc_index=4"), reply{stdout: "404 page not found"})

	res, err := GatewaySvcRoutes(gw, master, "gateway1", DefaultAgentRouteURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || !strings.Contains(res.String(), "malformed route table") {
		t.Errorf("expected malformed route table failure, got %v", res)
	}
}
