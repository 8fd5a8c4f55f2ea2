package probe

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const dockerPsCmd = "docker ps --format='{{.ID}} {{.Names}}'"

// DefaultDockerSocket is where the Docker Engine API listens on cluster hosts.
const DefaultDockerSocket = "/var/run/docker.sock"

var dockerPsRE = regexp.MustCompile(`^([a-f0-9]+)\s([\w-]+)`)

// DockerRunning checks that a container with each of the given names is
// running. Docker usually needs root, so callers pass elevate=true.
func DockerRunning(c Commander, names []string, elevate bool) (Result, error) {
	const name = "docker-running"

	stdout, stderr, err := c.Run(dockerPsCmd, elevate)
	if err != nil {
		return Result{}, err
	}

	absent := newStringSet(names)
	var unexpected []string
	for _, line := range stdout {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := dockerPsRE.FindStringSubmatch(line)
		if m == nil {
			unexpected = append(unexpected, line)
			continue
		}
		delete(absent, m[2])
	}

	if len(absent) == 0 {
		return pass(name), nil
	}

	details := []string{"containers not running: " + strings.Join(absent.sorted(), ", ")}
	if len(unexpected) > 0 {
		details = append(details, "unexpected output from docker ps:")
		details = append(details, indent("  ", unexpected)...)
	}
	if len(stderr) > 0 {
		details = append(details, indent("  ", stderr)...)
	}
	return fail(name, details...), nil
}

// Tunneler opens streams through a remote session. remote.Session satisfies it.
type Tunneler interface {
	Dial(network, addr string) (net.Conn, error)
}

// DockerAPIRunning is DockerRunning over the Docker Engine API instead of the
// docker CLI. The API socket is reached through the SSH session, so the
// remote user needs read access to it. API errors fail the probe.
func DockerAPIRunning(ctx context.Context, t Tunneler, socket string, names []string) (Result, error) {
	const name = "docker-running"

	if socket == "" {
		socket = DefaultDockerSocket
	}

	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socket),
		client.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return t.Dial("unix", socket)
		}),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return fail(name, fmt.Sprintf("creating Docker client: %v", err)), nil
	}
	defer cli.Close()

	containers, err := cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return fail(name, fmt.Sprintf("listing containers via %s: %v", socket, err)), nil
	}

	absent := newStringSet(names)
	for _, c := range containers {
		for _, n := range c.Names {
			delete(absent, strings.TrimPrefix(n, "/"))
		}
	}

	if len(absent) == 0 {
		return pass(name), nil
	}
	return fail(name, "containers not running: "+strings.Join(absent.sorted(), ", ")), nil
}
