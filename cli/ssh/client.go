// Package ssh runs batch-system commands on a remote login node over a
// multiplexed SSH connection.
package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rgt-harness/rgt/config"
	"github.com/rgt-harness/rgt/shell"
)

// Client manages an SSH connection to a login host.
type Client struct {
	logger         zerolog.Logger
	host           string
	controlPath    string
	identityFile   string
	knownHostsFile string
	proxyCommand   string
	extraOptions   []string
}

var _ shell.Runner = (*Client)(nil)

// SSHOption is a function that configures an SSH client.
type SSHOption func(*Client)

// WithIdentityFile sets the private key used for authentication.
func WithIdentityFile(path string) SSHOption {
	return func(c *Client) {
		c.identityFile = path
	}
}

// WithKnownHostsFile sets the known hosts file used for host verification.
func WithKnownHostsFile(path string) SSHOption {
	return func(c *Client) {
		c.knownHostsFile = path
	}
}

// WithProxyCommand sets a proxy command for the SSH connection.
func WithProxyCommand(command string) SSHOption {
	return func(c *Client) {
		c.proxyCommand = command
	}
}

// WithExtraOptions adds extra -o options to every ssh invocation.
func WithExtraOptions(options ...string) SSHOption {
	return func(c *Client) {
		c.extraOptions = append(c.extraOptions, options...)
	}
}

// FromMachine returns the options configured for the machine's submit host.
func FromMachine(m config.MachineDetails) []SSHOption {
	var opts []SSHOption
	if m.SSHIdentityFile != "" {
		opts = append(opts, WithIdentityFile(m.SSHIdentityFile))
	}
	if m.SSHKnownHostsFile != "" {
		opts = append(opts, WithKnownHostsFile(m.SSHKnownHostsFile))
	}
	if m.SSHProxyCommand != "" {
		opts = append(opts, WithProxyCommand(m.SSHProxyCommand))
	}
	if len(m.SSHOptions) > 0 {
		opts = append(opts, WithExtraOptions(m.SSHOptions...))
	}
	return opts
}

// New creates a client and establishes the master connection to host.
func New(ctx context.Context, logger zerolog.Logger, host string, opts ...SSHOption) (*Client, error) {
	c := newClient(logger, host, opts...)

	controlPath, err := c.setupMultiplexing(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to setup SSH multiplexing: %w", err)
	}
	c.controlPath = controlPath

	return c, nil
}

func newClient(logger zerolog.Logger, host string, opts ...SSHOption) *Client {
	c := &Client{
		logger: logger.With().Str("host", host).Logger(),
		host:   host,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close shuts down the master connection and removes the control socket.
func (c *Client) Close() {
	c.logger.Debug().Str("controlPath", c.controlPath).Msg("Closing SSH master connection")

	args := []string{
		"-o", fmt.Sprintf("ControlPath=%s", c.controlPath),
		"-O", "exit",
		c.host,
	}
	_ = exec.Command("ssh", args...).Run() // Ignore errors on cleanup

	_ = os.Remove(c.controlPath)
}

// Run executes cmd on the login host. Exit statuses of the remote command
// are reported through the ssh process exit code.
func (c *Client) Run(ctx context.Context, cmd shell.Command) (string, error) {
	script := shell.Script(cmd)

	args := c.buildSSHArgs()
	args = append(args, c.host, script)
	sshCmd := exec.CommandContext(ctx, "ssh", args...)

	var stdout, stderr bytes.Buffer
	if cmd.Output != nil {
		sshCmd.Stdout = cmd.Output
		sshCmd.Stderr = cmd.Output
	} else {
		sshCmd.Stdout = &stdout
		sshCmd.Stderr = &stderr
	}

	c.logger.Debug().
		Str("command", script).
		Msg("Running remote command")

	if err := sshCmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("remote command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Host returns the login host.
func (c *Client) Host() string {
	return c.host
}

func (c *Client) buildSSHArgs() []string {
	args := []string{"-o", "BatchMode=yes"}

	if c.controlPath != "" {
		args = append(args,
			"-o", fmt.Sprintf("ControlPath=%s", c.controlPath),
			"-o", "ControlMaster=no",
		)
	}
	return append(args, c.authArgs()...)
}

func (c *Client) authArgs() []string {
	var args []string
	if c.identityFile != "" {
		args = append(args, "-i", c.identityFile)
	}
	if c.knownHostsFile != "" {
		args = append(args, "-o", fmt.Sprintf("UserKnownHostsFile=%s", c.knownHostsFile))
	}
	if c.proxyCommand != "" {
		args = append(args, "-o", fmt.Sprintf("ProxyCommand=%s", c.proxyCommand))
	}
	for _, opt := range c.extraOptions {
		args = append(args, "-o", opt)
	}
	return args
}

func (c *Client) setupMultiplexing(ctx context.Context) (string, error) {
	controlDir := controlSocketDir()
	if err := os.MkdirAll(controlDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create control directory: %w", err)
	}

	controlPath := c.controlPathIn(controlDir)

	c.logger.Debug().
		Str("controlPath", controlPath).
		Int("pathLength", len(controlPath)).
		Msg("Setting up SSH multiplexing")

	args := []string{
		"-o", "ControlMaster=auto",
		"-o", fmt.Sprintf("ControlPath=%s", controlPath),
		"-o", "ControlPersist=60s",
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
	}
	args = append(args, c.authArgs()...)
	args = append(args,
		"-f", // background
		"-N", // no remote command
		c.host,
	)

	cmd := exec.CommandContext(ctx, "ssh", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to establish SSH master connection: %w (stderr: %s)", err, stderr.String())
	}

	c.logger.Debug().Msg("SSH master connection established")
	return controlPath, nil
}

// controlPathIn hashes the host so socket paths stay under the unix
// socket length limit.
func (c *Client) controlPathIn(dir string) string {
	hash := sha256.Sum256([]byte(c.host))
	return filepath.Join(dir, "ssh-"+hex.EncodeToString(hash[:])[:12])
}

func controlSocketDir() string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "rgt")
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "rgt")
	}
	return filepath.Join(os.TempDir(), "rgt")
}
