package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentKeyPath selects the running ssh-agent instead of a key file.
const AgentKeyPath = "agent"

var errNoAgent = errors.New("SSH_AUTH_SOCK not set")

// LoadSigners resolves the --ssh-key value: "" means no key authentication,
// AgentKeyPath asks ssh-agent, anything else names an OpenSSH private key file.
func LoadSigners(keyPath string) ([]ssh.Signer, error) {
	switch keyPath {
	case "":
		return nil, nil
	case AgentKeyPath:
		return agentSigners(os.Getenv("SSH_AUTH_SOCK"))
	}

	pem, err := os.ReadFile(keyPath) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", keyPath, err)
	}
	return []ssh.Signer{signer}, nil
}

// agentSigners keeps the agent connection open for the life of the process;
// the returned signers call back into it.
func agentSigners(socket string) ([]ssh.Signer, error) {
	if socket == "" {
		return nil, errNoAgent
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to ssh-agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err == nil && len(signers) == 0 {
		err = errors.New("no keys loaded")
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh-agent: %w", err)
	}
	return signers, nil
}

// AgentAvailable reports whether SSH_AUTH_SOCK points at something.
func AgentAvailable() bool {
	_, err := os.Stat(os.Getenv("SSH_AUTH_SOCK"))
	return err == nil
}
