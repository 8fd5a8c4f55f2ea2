// Package remote runs diagnostic commands on cluster hosts over SSH.
//
// A Session is bound to exactly one host and must be closed by its owner.
// With wraps the open/use/close sequence so the session is released on every
// exit path, including a probe that fails or panics.
package remote

import (
	"context"
	"fmt"
	"net"
)

// Session is one live remote-command session on one host.
type Session interface {
	// Host returns the address the session was opened to.
	Host() string

	// Run executes command synchronously and returns its output as lines.
	// When elevate is set the command runs under sudo with a pseudo-terminal.
	// A non-zero exit status is not an error; only transport failures are.
	Run(command string, elevate bool) (stdout, stderr []string, err error)

	// Dial opens a stream tunnelled through the session to an address as
	// seen from the remote host. A refused tunnel is a plain error, not a
	// *ConnectionError.
	Dial(network, addr string) (net.Conn, error)

	// Close releases the session. It is safe to call more than once.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Open(ctx context.Context, host string) (Session, error)
}

// ConnectionError reports that a host could not be reached, rejected the
// credentials, or dropped the session. It is fatal to a validation run.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// With opens a session to host, passes it to fn and closes it afterwards,
// whatever fn returns.
func With(ctx context.Context, d Dialer, host string, fn func(Session) error) error {
	s, err := d.Open(ctx, host)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	return fn(s)
}
