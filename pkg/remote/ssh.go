package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const (
	defaultPort    = 22
	defaultUser    = "centos"
	defaultTimeout = 30 * time.Second
)

// Identity holds the credentials and connection settings used for every host.
type Identity struct {
	User string
	Port int

	// KeyFiles are private key paths. A leading "~/" expands to the home
	// directory. If empty, ~/.ssh/id_ed25519 and ~/.ssh/id_rsa are tried.
	KeyFiles []string

	// UseAgent adds the keys held by the agent at $SSH_AUTH_SOCK.
	UseAgent bool

	// KnownHostsFile is consulted for host keys. Unknown hosts are accepted.
	KnownHostsFile string

	// Timeout bounds the TCP connect and SSH handshake.
	Timeout time.Duration
}

// SSHDialer opens SSH sessions with a fixed identity.
type SSHDialer struct {
	identity Identity
	signers  []ssh.Signer
	trust    *trustStore
	logger   *slog.Logger
}

// NewSSHDialer parses the identity's keys once and returns a dialer.
func NewSSHDialer(id Identity, logger *slog.Logger) (*SSHDialer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if id.User == "" {
		id.User = defaultUser
	}
	if id.Port == 0 {
		id.Port = defaultPort
	}
	if id.Timeout == 0 {
		id.Timeout = defaultTimeout
	}

	signers, err := loadSigners(id.KeyFiles, logger)
	if err != nil {
		return nil, err
	}
	if len(signers) == 0 && !id.UseAgent {
		return nil, fmt.Errorf("no usable SSH private key and ssh-agent disabled")
	}

	trust, err := newTrustStore(expandHome(id.KnownHostsFile), logger)
	if err != nil {
		return nil, err
	}

	return &SSHDialer{
		identity: id,
		signers:  signers,
		trust:    trust,
		logger:   logger,
	}, nil
}

// Open dials host and authenticates. Errors are *ConnectionError.
func (d *SSHDialer) Open(ctx context.Context, host string) (Session, error) {
	addr := d.address(host)

	auth := []ssh.AuthMethod{}
	if len(d.signers) > 0 {
		auth = append(auth, ssh.PublicKeys(d.signers...))
	}
	if d.identity.UseAgent {
		agentConn, err := dialAgent()
		if err != nil {
			d.logger.Warn("ssh-agent unavailable", slog.String("error", err.Error()))
		} else {
			defer agentConn.Close()
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
		}
	}

	config := &ssh.ClientConfig{
		User:            d.identity.User,
		Auth:            auth,
		HostKeyCallback: d.trust.callback,
		Timeout:         d.identity.Timeout,
	}

	start := time.Now()
	dialer := &net.Dialer{Timeout: d.identity.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Host: host, Err: err}
	}

	_ = conn.SetDeadline(time.Now().Add(d.identity.Timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Host: host, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	d.logger.Debug("SSH connected",
		slog.String("host", host),
		slog.String("user", d.identity.User),
		slog.Duration("wait", time.Since(start)),
	)

	return &Channel{
		host:   host,
		client: ssh.NewClient(sshConn, chans, reqs),
		logger: d.logger,
	}, nil
}

func (d *SSHDialer) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(d.identity.Port))
}

// Channel is a Session backed by an SSH client connection.
type Channel struct {
	host   string
	client *ssh.Client
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *Channel) Host() string {
	return c.host
}

func (c *Channel) Run(command string, elevate bool) ([]string, []string, error) {
	if c.isClosed() {
		return nil, nil, &ConnectionError{Host: c.host, Err: errors.New("session closed")}
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, nil, &ConnectionError{Host: c.host, Err: fmt.Errorf("creating SSH session: %w", err)}
	}
	defer session.Close()

	if elevate {
		command = "sudo " + command
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty("xterm", 40, 200, modes); err != nil {
			return nil, nil, &ConnectionError{Host: c.host, Err: fmt.Errorf("requesting pty: %w", err)}
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	err = session.Run(command)

	var exitErr *ssh.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, nil, &ConnectionError{Host: c.host, Err: fmt.Errorf("running %q: %w", command, err)}
	}

	status := 0
	if exitErr != nil {
		status = exitErr.ExitStatus()
	}
	c.logger.Debug("command finished",
		slog.String("host", c.host),
		slog.String("command", command),
		slog.Int("exit_status", status),
		slog.Duration("duration", time.Since(start)),
	)

	return splitLines(stdout.String()), splitLines(stderr.String()), nil
}

func (c *Channel) Dial(network, addr string) (net.Conn, error) {
	if c.isClosed() {
		return nil, &ConnectionError{Host: c.host, Err: errors.New("session closed")}
	}
	conn, err := c.client.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel to %s on %s: %w", addr, c.host, err)
	}
	return conn, nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Debug("SSH closed", slog.String("host", c.host))
	return c.client.Close()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// splitLines breaks command output into lines, dropping line terminators
// and the empty string after a trailing newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func loadSigners(paths []string, logger *slog.Logger) ([]ssh.Signer, error) {
	explicit := len(paths) > 0
	if !explicit {
		home, _ := os.UserHomeDir()
		paths = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}

	var signers []ssh.Signer
	for _, p := range paths {
		path := expandHome(p)
		key, err := os.ReadFile(path)
		if err != nil {
			if explicit {
				return nil, fmt.Errorf("reading SSH private key: %w", err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				logger.Warn("skipping passphrase-protected key, use ssh-agent",
					slog.String("path", path))
				continue
			}
			return nil, fmt.Errorf("parsing SSH private key %s: %w", path, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func dialAgent() (net.Conn, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}
	return net.Dial("unix", sock)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
