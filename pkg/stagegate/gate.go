// Package stagegate runs the checks that prove a cluster deployment has
// reached an installation stage.
//
// A run opens a session to the first master and keeps it for the whole run,
// since several probes on other hosts read the master's view of the cluster.
// Node and gateway sessions are opened one at a time, right before their
// probes, and closed right after. Every scheduled probe runs even after a
// failure; only a connection error ends the run early.
package stagegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/NavarchProject/clustercheck/pkg/clock"
	"github.com/NavarchProject/clustercheck/pkg/config"
	"github.com/NavarchProject/clustercheck/pkg/inventory"
	"github.com/NavarchProject/clustercheck/pkg/probe"
	"github.com/NavarchProject/clustercheck/pkg/remote"
)

// Gate validates a cluster against a stage.
type Gate struct {
	cfg      *config.Config
	dialer   remote.Dialer
	clock    clock.Clock
	logger   *slog.Logger
	reporter Reporter
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets a custom logger for the gate.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithClock sets the clock used by polled probes.
func WithClock(clk clock.Clock) Option {
	return func(g *Gate) {
		g.clock = clk
	}
}

// WithReporter sets where progress is reported.
func WithReporter(r Reporter) Option {
	return func(g *Gate) {
		g.reporter = r
	}
}

// New creates a gate. A nil cfg uses config.Default().
func New(cfg *config.Config, dialer remote.Dialer, opts ...Option) *Gate {
	if cfg == nil {
		cfg = config.Default()
	}
	g := &Gate{
		cfg:    cfg,
		dialer: dialer,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.clock == nil {
		g.clock = clock.Real()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.reporter == nil {
		g.reporter = NewConsole(nil)
	}
	return g
}

// Run validates the cluster described by inv against stage.
//
// Inventory and stage errors are returned before any host is contacted, with
// a nil report. Otherwise the report is always returned; the error is non-nil
// only when a connection failure aborted the run, and is also stored in
// Report.Err.
func (g *Gate) Run(ctx context.Context, inv *inventory.Inventory, stage Stage) (*Report, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("stage %d out of range [%d, %d]", int(stage), ContrailInstalled, ApplicationDeployed)
	}
	if inv == nil {
		return nil, fmt.Errorf("no inventory")
	}
	if err := inv.Validate(int(stage)); err != nil {
		return nil, err
	}

	r := &run{
		Gate:   g,
		ctx:    ctx,
		inv:    inv,
		stage:  stage,
		report: &Report{RunID: uuid.NewString(), Stage: stage},
	}
	r.logger = g.logger.With(slog.String("run_id", r.report.RunID))

	start := g.clock.Now()
	r.logger.Info("validation starting",
		slog.Int("stage", int(stage)),
		slog.Int("masters", len(inv.Masters)),
		slog.Int("nodes", len(inv.Nodes)),
		slog.Int("gateways", len(inv.Gateways)),
	)
	g.reporter.Start(r.report.RunID, stage, inv)

	err := r.execute()
	if err != nil {
		r.report.Err = err
		var connErr *remote.ConnectionError
		if errors.As(err, &connErr) {
			r.logger.Error("validation aborted", slog.String("host", connErr.Host), slog.String("error", connErr.Err.Error()))
		} else {
			r.logger.Error("validation aborted", slog.String("error", err.Error()))
		}
	}
	r.report.Duration = g.clock.Since(start)

	r.logger.Info("validation finished",
		slog.Bool("ok", r.report.OK()),
		slog.Int("probes", len(r.report.Records)),
		slog.Int("failed", len(r.report.Failed())),
		slog.Duration("duration", r.report.Duration),
	)
	g.reporter.Finish(r.report)
	return r.report, err
}

// run holds the state of one validation.
type run struct {
	*Gate
	ctx    context.Context
	inv    *inventory.Inventory
	stage  Stage
	logger *slog.Logger
	report *Report
}

func (r *run) execute() error {
	masterHost := r.inv.Masters[0]
	master, err := r.dialer.Open(r.ctx, masterHost)
	if err != nil {
		return err
	}
	defer func() { _ = master.Close() }()

	if err := r.masterChecks(master); err != nil {
		return err
	}

	for _, node := range r.inv.Nodes {
		err := remote.With(r.ctx, r.dialer, node, func(s remote.Session) error {
			return r.check(node, func() (probe.Result, error) { return r.agent(s) })
		})
		if err != nil {
			return err
		}
	}

	for _, gw := range r.inv.Gateways {
		err := remote.With(r.ctx, r.dialer, gw, func(s remote.Session) error {
			if err := r.check(gw, func() (probe.Result, error) { return r.agent(s) }); err != nil {
				return err
			}
			if r.stage < ServicesStarted {
				return nil
			}
			return r.check(gw, func() (probe.Result, error) {
				return probe.GatewaySvcRoutes(s, master, r.cfg.Gateway.Interface, r.cfg.Endpoints.AgentRoutes)
			})
		})
		if err != nil {
			return err
		}
	}

	if r.stage >= ServicesStarted {
		err := r.check(masterHost, func() (probe.Result, error) {
			return probe.PingServices(master, master, r.cfg.PingCount)
		})
		if err != nil {
			return err
		}
	}

	if r.stage >= ApplicationDeployed {
		gw := r.inv.Gateways[0]
		return remote.With(r.ctx, r.dialer, gw, func(s remote.Session) error {
			return r.check(gw, func() (probe.Result, error) {
				return probe.ApplicationStatus(master, s, r.cfg.Application.Application(),
					r.cfg.Polling.AppPods.Policy(r.clock), r.cfg.Polling.AppHTTP.Policy(r.clock))
			})
		})
	}
	return nil
}

func (r *run) masterChecks(master remote.Session) error {
	host := master.Host()
	cfg := r.cfg

	containers := append([]string(nil), cfg.Master.Containers...)
	if r.stage >= OpenShiftInstalled {
		containers = append(containers, cfg.Master.NetworkManagerContainer)
	}

	checks := []func() (probe.Result, error){
		func() (probe.Result, error) { return probe.APIStatus(master, cfg.Endpoints.API) },
		func() (probe.Result, error) { return probe.DockerRunning(master, containers, true) },
		func() (probe.Result, error) { return probe.ListenPorts(master, cfg.Master.Ports) },
	}
	if r.stage >= ContrailProvisioned {
		checks = append(checks, func() (probe.Result, error) {
			return probe.XMPPSessions(master, cfg.XMPP.Port, cfg.XMPP.Sessions, cfg.Polling.XMPP.Policy(r.clock))
		})
	}
	if r.stage >= ServicesStarted {
		checks = append(checks,
			func() (probe.Result, error) {
				return probe.SystemPods(master, cfg.SystemPods, cfg.Polling.SystemPods.Policy(r.clock))
			},
			func() (probe.Result, error) { return probe.ControlInstanceStatus(master, cfg.Endpoints.ControlInstances) },
		)
	}

	for _, c := range checks {
		if err := r.check(host, c); err != nil {
			return err
		}
	}
	return nil
}

// agent checks the vrouter agent container on a node or gateway.
func (r *run) agent(s remote.Session) (probe.Result, error) {
	names := []string{r.cfg.Agent.Container}
	if r.cfg.Agent.ContainerSource == config.SourceAPI {
		return probe.DockerAPIRunning(r.ctx, s, r.cfg.Agent.DockerSocket, names)
	}
	return probe.DockerRunning(s, names, true)
}

// check runs one probe, records its verdict and returns only transport
// errors.
func (r *run) check(host string, fn func() (probe.Result, error)) error {
	start := r.clock.Now()
	res, err := fn()
	if err != nil {
		return fmt.Errorf("probe on %s: %w", host, err)
	}

	rec := Record{Host: host, Result: res}
	r.report.Records = append(r.report.Records, rec)
	r.reporter.Record(rec)

	r.logger.Debug("probe completed",
		slog.String("host", host),
		slog.String("probe", res.Name),
		slog.Bool("ok", res.OK),
		slog.Duration("duration", r.clock.Since(start)),
	)
	return nil
}
