package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch is returned when a known host presents a different key.
var ErrHostKeyMismatch = errors.New("ssh host key mismatch")

// NewHostKeyCallback returns a callback verifying host keys against the
// known_hosts file at path. Unknown hosts are appended on first contact. An
// empty path disables host key checking.
//
// The file and its directory are created if missing.
func NewHostKeyCallback(path string, logger hclog.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("creating known_hosts file: %w", err)
	}
	_ = f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	tofu := &trustOnFirstUse{path: path, check: check, log: logger}
	return tofu.verify, nil
}

type trustOnFirstUse struct {
	path  string
	check ssh.HostKeyCallback
	log   hclog.Logger

	mu sync.Mutex
	// added holds keys appended since the file was loaded; knownhosts does
	// not reread the file.
	added map[string]ssh.PublicKey
}

func (t *trustOnFirstUse) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := t.check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("%w for %s: %w", ErrHostKeyMismatch, hostname, err)
	}

	host := knownhosts.Normalize(hostname)

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.added[host]; ok {
		if string(prev.Marshal()) != string(key.Marshal()) {
			return fmt.Errorf("%w for %s", ErrHostKeyMismatch, hostname)
		}
		return nil
	}

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(knownhosts.Line([]string{host}, key) + "\n"); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	if t.added == nil {
		t.added = make(map[string]ssh.PublicKey)
	}
	t.added[host] = key

	t.log.Info("added ssh host key", "host", hostname, "file", t.path, "type", key.Type())
	return nil
}
