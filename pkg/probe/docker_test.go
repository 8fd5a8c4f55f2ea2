package probe

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var controlContainers = []string{"contrail-control", "contrail-api", "contrail-schema", "ifmap-server"}

func dockerPsOutput(names []string, skip string) string {
	var out []string
	for i, n := range names {
		if n == skip {
			continue
		}
		out = append(out, strings.Repeat("a", 11)+string(rune('0'+i))+" "+n)
	}
	return strings.Join(out, "\n")
}

func TestDockerRunning_AllPresent(t *testing.T) {
	c := newFakeCommander().on(dockerPsCmd, reply{stdout: dockerPsOutput(controlContainers, "")})

	res, err := DockerRunning(c, controlContainers, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Errorf("expected pass, got %v", res)
	}
	if len(c.elevated) != 1 || !c.elevated[0] {
		t.Error("docker ps was not elevated")
	}
}

func TestDockerRunning_EachMissingNameFails(t *testing.T) {
	for _, missing := range controlContainers {
		t.Run(missing, func(t *testing.T) {
			c := newFakeCommander().on(dockerPsCmd, reply{stdout: dockerPsOutput(controlContainers, missing)})

			res, err := DockerRunning(c, controlContainers, true)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.OK {
				t.Fatalf("expected failure with %s missing", missing)
			}
			if !strings.Contains(res.String(), missing) {
				t.Errorf("details do not name %s: %v", missing, res)
			}
		})
	}
}

func TestDockerRunning_DoesNotMutateExpected(t *testing.T) {
	names := []string{"vrouter-agent", "contrail-api"}
	c := newFakeCommander().on(dockerPsCmd, reply{stdout: "0123abcd vrouter-agent"})

	if _, err := DockerRunning(c, names, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 || names[0] != "vrouter-agent" || names[1] != "contrail-api" {
		t.Errorf("caller's slice was modified: %v", names)
	}
}

func TestDockerRunning_ReportsUnexpectedLines(t *testing.T) {
	out := "sudo: sorry, you must have a tty to run sudo"
	c := newFakeCommander().on(dockerPsCmd, reply{stdout: out})

	res, err := DockerRunning(c, []string{"vrouter-agent"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.String(), "must have a tty") {
		t.Errorf("unexpected line missing from details: %v", res)
	}
}

// tcpTunnel sends every tunnelled dial to a local test server.
type tcpTunnel struct {
	addr     string
	requests []string
}

func (tt *tcpTunnel) Dial(network, addr string) (net.Conn, error) {
	tt.requests = append(tt.requests, network+":"+addr)
	return net.Dial("tcp", tt.addr)
}

func newDockerAPIServer(t *testing.T, names ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/_ping"):
			w.Header().Set("API-Version", "1.45")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		case strings.HasSuffix(r.URL.Path, "/containers/json"):
			var list []map[string]any
			for i, n := range names {
				list = append(list, map[string]any{
					"Id":    strings.Repeat("f", 63) + string(rune('0'+i)),
					"Names": []string{"/" + n},
					"State": "running",
				})
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(list)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDockerAPIRunning(t *testing.T) {
	srv := newDockerAPIServer(t, "vrouter-agent", "contrail-api")
	tunnel := &tcpTunnel{addr: srv.Listener.Addr().String()}

	res, err := DockerAPIRunning(context.Background(), tunnel, "", []string{"vrouter-agent"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Errorf("expected pass, got %v", res)
	}
	if len(tunnel.requests) == 0 || tunnel.requests[0] != "unix:"+DefaultDockerSocket {
		t.Errorf("tunnel requests = %v", tunnel.requests)
	}
}

func TestDockerAPIRunning_Missing(t *testing.T) {
	srv := newDockerAPIServer(t, "contrail-api")
	tunnel := &tcpTunnel{addr: srv.Listener.Addr().String()}

	res, err := DockerAPIRunning(context.Background(), tunnel, "/run/docker.sock", []string{"vrouter-agent"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.String(), "vrouter-agent") {
		t.Errorf("details do not name the container: %v", res)
	}
}
