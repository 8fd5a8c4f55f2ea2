package remote

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// trustStore implements accept-on-first-use host key checking.
//
// Hosts listed in the known_hosts file must present a matching key. Hosts
// that are not listed are accepted and pinned for the rest of the run, so a
// key change between two sessions to the same host is still rejected. The
// file is never written.
type trustStore struct {
	known  ssh.HostKeyCallback
	logger *slog.Logger

	mu     sync.Mutex
	pinned map[string][]byte
}

func newTrustStore(knownHostsFile string, logger *slog.Logger) (*trustStore, error) {
	ts := &trustStore{
		logger: logger,
		pinned: make(map[string][]byte),
	}
	if knownHostsFile == "" {
		return ts, nil
	}
	if _, err := os.Stat(knownHostsFile); errors.Is(err, os.ErrNotExist) {
		return ts, nil
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	ts.known = cb
	return ts, nil
}

func (ts *trustStore) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if ts.known != nil {
		err := ts.known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	wire := key.Marshal()
	if prev, ok := ts.pinned[hostname]; ok {
		if !bytes.Equal(prev, wire) {
			return fmt.Errorf("host key for %s changed during run", hostname)
		}
		return nil
	}

	ts.pinned[hostname] = wire
	ts.logger.Warn("accepting unknown host key",
		slog.String("host", hostname),
		slog.String("fingerprint", ssh.FingerprintSHA256(key)),
	)
	return nil
}
