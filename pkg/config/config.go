// Package config holds the tunables of a validation run: SSH credentials,
// the expected services per role, introspection endpoints and polling
// budgets. Every field left empty in the YAML file takes its default.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NavarchProject/clustercheck/pkg/clock"
	"github.com/NavarchProject/clustercheck/pkg/probe"
	"github.com/NavarchProject/clustercheck/pkg/retry"
)

// Container sources for the agent probe.
const (
	SourceCommand = "command"
	SourceAPI     = "api"
)

// Config is the root configuration for clustercheck.
type Config struct {
	SSH         SSHConfig         `yaml:"ssh,omitempty"`
	Master      MasterConfig      `yaml:"master,omitempty"`
	Agent       AgentConfig       `yaml:"agent,omitempty"`
	Endpoints   EndpointsConfig   `yaml:"endpoints,omitempty"`
	Gateway     GatewayConfig     `yaml:"gateway,omitempty"`
	XMPP        XMPPConfig        `yaml:"xmpp,omitempty"`
	SystemPods  []string          `yaml:"system_pods,omitempty"`
	PingCount   int               `yaml:"ping_count,omitempty"`
	Polling     PollingConfig     `yaml:"polling,omitempty"`
	Application ApplicationConfig `yaml:"application,omitempty"`
}

// SSHConfig configures how every host is reached.
type SSHConfig struct {
	User          string   `yaml:"user,omitempty"` // Default: centos
	Port          int      `yaml:"port,omitempty"` // Default: 22
	IdentityFiles []string `yaml:"identity_files,omitempty"`
	UseAgent      bool     `yaml:"use_agent,omitempty"`
	KnownHosts    string   `yaml:"known_hosts,omitempty"` // Default: ~/.ssh/known_hosts
	Timeout       Duration `yaml:"timeout,omitempty"`
}

// MasterConfig lists what the master must be running.
type MasterConfig struct {
	Ports      map[int]string `yaml:"ports,omitempty"`
	Containers []string       `yaml:"containers,omitempty"`

	// NetworkManagerContainer is expected from stage 2 on.
	NetworkManagerContainer string `yaml:"network_manager_container,omitempty"`
}

// AgentConfig describes the vrouter agent on nodes and gateways.
type AgentConfig struct {
	Container string `yaml:"container,omitempty"`

	// ContainerSource is "command" (docker ps over SSH) or "api" (Docker
	// Engine API through a tunnelled socket).
	ContainerSource string `yaml:"container_source,omitempty"`
	DockerSocket    string `yaml:"docker_socket,omitempty"`
}

// EndpointsConfig holds the introspection URLs queried on the hosts.
type EndpointsConfig struct {
	API              string `yaml:"api,omitempty"`
	ControlInstances string `yaml:"control_instances,omitempty"`
	AgentRoutes      string `yaml:"agent_routes,omitempty"`
}

// GatewayConfig describes the gateway hosts.
type GatewayConfig struct {
	Interface string `yaml:"interface,omitempty"`
}

// XMPPConfig sets the expected control-plane sessions on the master.
// Zero values select the defaults; a cluster never expects zero sessions.
type XMPPConfig struct {
	Port     int `yaml:"port,omitempty"`     // Default: 5269
	Sessions int `yaml:"sessions,omitempty"` // Default: 3
}

// PollingConfig holds the budget of each polled probe.
type PollingConfig struct {
	XMPP       PolicyConfig `yaml:"xmpp,omitempty"`
	SystemPods PolicyConfig `yaml:"system_pods,omitempty"`
	AppPods    PolicyConfig `yaml:"app_pods,omitempty"`
	AppHTTP    PolicyConfig `yaml:"app_http,omitempty"`
}

// PolicyConfig bounds one polling loop.
type PolicyConfig struct {
	Attempts   int      `yaml:"attempts,omitempty"`
	MaxElapsed Duration `yaml:"max_elapsed,omitempty"`
	Interval   Duration `yaml:"interval,omitempty"`
}

// Policy converts the budget into a retry policy driven by clk.
func (p PolicyConfig) Policy(clk clock.Clock) retry.Policy {
	return retry.Policy{
		MaxAttempts: p.Attempts,
		MaxElapsed:  p.MaxElapsed.Duration(),
		Interval:    p.Interval.Duration(),
		Clock:       clk,
	}
}

// ApplicationConfig describes the stage 5 test application.
type ApplicationConfig struct {
	Namespace      string   `yaml:"namespace,omitempty"`
	URL            string   `yaml:"url,omitempty"`
	Marker         string   `yaml:"marker,omitempty"`
	HelperSuffixes []string `yaml:"helper_suffixes,omitempty"`
	MinRunning     int      `yaml:"min_running,omitempty"`
}

// Application returns the probe description of the test application.
func (a ApplicationConfig) Application() probe.Application {
	return probe.Application{
		Namespace:      a.Namespace,
		URL:            a.URL,
		Marker:         a.Marker,
		HelperSuffixes: append([]string(nil), a.HelperSuffixes...),
		MinRunning:     a.MinRunning,
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, fills defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port %d out of range", c.SSH.Port)
	}
	if c.SSH.Timeout < 0 {
		return fmt.Errorf("ssh.timeout must be >= 0")
	}
	for port := range c.Master.Ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("master.ports: port %d out of range", port)
		}
	}
	switch c.Agent.ContainerSource {
	case SourceCommand, SourceAPI:
	default:
		return fmt.Errorf("agent.container_source must be %q or %q, got %q", SourceCommand, SourceAPI, c.Agent.ContainerSource)
	}
	if c.XMPP.Port < 1 || c.XMPP.Port > 65535 {
		return fmt.Errorf("xmpp.port %d out of range", c.XMPP.Port)
	}
	if c.XMPP.Sessions < 1 {
		return fmt.Errorf("xmpp.sessions must be >= 1")
	}
	if c.PingCount < 1 {
		return fmt.Errorf("ping_count must be > 0")
	}
	if c.Application.MinRunning < 0 {
		return fmt.Errorf("application.min_running must be >= 0")
	}

	policies := map[string]PolicyConfig{
		"xmpp":        c.Polling.XMPP,
		"system_pods": c.Polling.SystemPods,
		"app_pods":    c.Polling.AppPods,
		"app_http":    c.Polling.AppHTTP,
	}
	for name, p := range policies {
		if p.Attempts < 0 || p.MaxElapsed < 0 || p.Interval < 0 {
			return fmt.Errorf("polling.%s: values must be >= 0", name)
		}
		if p.Attempts == 0 && p.MaxElapsed == 0 {
			return fmt.Errorf("polling.%s: attempts or max_elapsed is required", name)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SSH.User == "" {
		c.SSH.User = "centos"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = "~/.ssh/known_hosts"
	}
	if c.SSH.Timeout == 0 {
		c.SSH.Timeout = Duration(30 * time.Second)
	}

	if len(c.Master.Ports) == 0 {
		c.Master.Ports = map[int]string{
			8082: "contrail-api",
			8444: "ifmap",
			5269: "xmpp",
			9160: "cassandra",
			2181: "zookeeper",
			5672: "rabbitmq",
		}
	}
	if len(c.Master.Containers) == 0 {
		c.Master.Containers = []string{"contrail-control", "contrail-api", "contrail-schema", "ifmap-server"}
	}
	if c.Master.NetworkManagerContainer == "" {
		c.Master.NetworkManagerContainer = "kube-network-manager"
	}

	if c.Agent.Container == "" {
		c.Agent.Container = "vrouter-agent"
	}
	if c.Agent.ContainerSource == "" {
		c.Agent.ContainerSource = SourceCommand
	}
	if c.Agent.DockerSocket == "" {
		c.Agent.DockerSocket = probe.DefaultDockerSocket
	}

	if c.Endpoints.API == "" {
		c.Endpoints.API = probe.DefaultAPIURL
	}
	if c.Endpoints.ControlInstances == "" {
		c.Endpoints.ControlInstances = probe.DefaultControlInstanceURL
	}
	if c.Endpoints.AgentRoutes == "" {
		c.Endpoints.AgentRoutes = probe.DefaultAgentRouteURL
	}

	if c.Gateway.Interface == "" {
		c.Gateway.Interface = "gateway1"
	}

	if c.XMPP.Port == 0 {
		c.XMPP.Port = probe.DefaultXMPPPort
	}
	if c.XMPP.Sessions == 0 {
		c.XMPP.Sessions = 3
	}

	if len(c.SystemPods) == 0 {
		c.SystemPods = append([]string(nil), probe.DefaultSystemPodPatterns...)
	}
	if c.PingCount == 0 {
		c.PingCount = probe.DefaultPingCount
	}

	defaultPolicy(&c.Polling.XMPP, PolicyConfig{Attempts: 18, Interval: Duration(10 * time.Second)})
	defaultPolicy(&c.Polling.SystemPods, PolicyConfig{Attempts: 36, Interval: Duration(10 * time.Second)})
	defaultPolicy(&c.Polling.AppPods, PolicyConfig{MaxElapsed: Duration(time.Hour), Interval: Duration(3 * time.Minute)})
	defaultPolicy(&c.Polling.AppHTTP, PolicyConfig{Attempts: 6, Interval: Duration(10 * time.Second)})

	app := probe.DefaultApplication()
	if c.Application.Namespace == "" {
		c.Application.Namespace = app.Namespace
	}
	if c.Application.URL == "" {
		c.Application.URL = app.URL
	}
	if c.Application.Marker == "" {
		c.Application.Marker = app.Marker
	}
	if len(c.Application.HelperSuffixes) == 0 {
		c.Application.HelperSuffixes = app.HelperSuffixes
	}
	if c.Application.MinRunning == 0 {
		c.Application.MinRunning = app.MinRunning
	}
}

// defaultPolicy fills an empty policy. A policy with any field set is kept
// as written apart from a missing interval.
func defaultPolicy(p *PolicyConfig, def PolicyConfig) {
	if *p == (PolicyConfig{}) {
		*p = def
		return
	}
	if p.Interval == 0 {
		p.Interval = def.Interval
	}
}
