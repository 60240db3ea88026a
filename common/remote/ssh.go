package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/alessio/shellescape"
	"github.com/pkg/errors"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultSSHPort        = 22
	DefaultSSHDialTimeout = 10 * time.Second

	noScreenSessions = "No Sockets found"
	screenSockets    = "Socket"
)

// SSHOptions configures how SSHSessionManager and RsyncSyncer connect to servers.
type SSHOptions struct {
	User     string
	Port     int
	KeyFile  string
	Password string

	// KnownHostsFile is used to verify host keys unless InsecureIgnoreHostKey is set.
	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	DialTimeout time.Duration
}

// SSHSessionManager implements scheduling.SessionManager over SSH, using GNU screen for detached sessions.
type SSHSessionManager struct {
	log logger.Logger

	clientConfig *ssh.ClientConfig
	port         int
	sudoPassword string
	dialTimeout  time.Duration
}

// NewSSHSessionManager creates a new SSHSessionManager. At least one of KeyFile and Password must be set.
func NewSSHSessionManager(opts SSHOptions) (*SSHSessionManager, error) {
	auth := make([]ssh.AuthMethod, 0, 2)
	if opts.KeyFile != "" {
		key, err := os.ReadFile(opts.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read SSH key \"%s\"", opts.KeyFile)
		}

		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse SSH key \"%s\"", opts.KeyFile)
		}

		auth = append(auth, ssh.PublicKeys(signer))
	}

	if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	}

	if len(auth) == 0 {
		return nil, fmt.Errorf("no SSH authentication method configured for user \"%s\"", opts.User)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if opts.InsecureIgnoreHostKey {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load known hosts \"%s\"", opts.KnownHostsFile)
		}
		hostKeyCallback = callback
	}

	if opts.Port <= 0 {
		opts.Port = DefaultSSHPort
	}

	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultSSHDialTimeout
	}

	manager := &SSHSessionManager{
		clientConfig: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         opts.DialTimeout,
		},
		port:         opts.Port,
		sudoPassword: opts.Password,
		dialTimeout:  opts.DialTimeout,
	}
	config.InitLogger(&manager.log, manager)

	return manager, nil
}

// ScreenLaunchCommand returns the command that runs script in a detached screen session with the given name.
func ScreenLaunchCommand(name string, script string) string {
	return fmt.Sprintf("screen -dmS %s bash -c %s", shellescape.Quote(name), shellescape.Quote(script))
}

func (m *SSHSessionManager) LaunchDetached(ctx context.Context, host string, name string, script string) error {
	_, stderr, err := m.exec(ctx, host, ScreenLaunchCommand(name, script), nil)
	if err != nil {
		return errors.Wrapf(err, "failed to launch session \"%s\" on %s: %s", name, host, stderr)
	}

	return nil
}

// SessionState lists the screen sessions of the host and looks for the named one.
//
// screen exits with a non-zero status when there are no sessions, so the listing is parsed regardless of the exit
// status. Transport failures return SessionUnknown.
func (m *SSHSessionManager) SessionState(ctx context.Context, host string, name string) (scheduling.SessionState, error) {
	stdout, stderr, err := m.exec(ctx, host, "screen -ls", nil)
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return scheduling.SessionUnknown, errors.Wrapf(err, "failed to list sessions on %s", host)
		}
	}

	return ParseScreenListing(stdout+stderr, name), nil
}

func (m *SSHSessionManager) Run(ctx context.Context, host string, cmd string) error {
	_, stderr, err := m.exec(ctx, host, cmd, nil)
	if err != nil {
		return errors.Wrapf(err, "command \"%s\" failed on %s: %s", cmd, host, stderr)
	}

	return nil
}

// Sudo runs cmd through sudo. The SSH password, if any, is written to the standard input of sudo.
func (m *SSHSessionManager) Sudo(ctx context.Context, host string, cmd string) error {
	var (
		stdin   io.Reader
		command string
	)

	if m.sudoPassword != "" {
		command = "sudo -S -p '' " + cmd
		stdin = strings.NewReader(m.sudoPassword + "\n")
	} else {
		command = "sudo -n " + cmd
	}

	_, stderr, err := m.exec(ctx, host, command, stdin)
	if err != nil {
		return errors.Wrapf(err, "privileged command \"%s\" failed on %s: %s", cmd, host, stderr)
	}

	return nil
}

// exec runs cmd in a new SSH session on the host and returns its standard output and standard error.
// The connection is closed if ctx is done before cmd completes.
func (m *SSHSessionManager) exec(ctx context.Context, host string, cmd string, stdin io.Reader) (string, string, error) {
	address := net.JoinHostPort(host, strconv.Itoa(m.port))

	dialer := net.Dialer{Timeout: m.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to dial %s", address)
	}

	clientConn, channels, requests, err := ssh.NewClientConn(conn, address, m.clientConfig)
	if err != nil {
		_ = conn.Close()
		return "", "", errors.Wrapf(err, "SSH handshake with %s failed", address)
	}

	client := ssh.NewClient(clientConn, channels, requests)
	defer func() {
		_ = client.Close()
	}()

	session, err := client.NewSession()
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to open SSH session on %s", address)
	}
	defer func() {
		_ = session.Close()
	}()

	var stdoutBuffer, stderrBuffer bytes.Buffer
	session.Stdout = &stdoutBuffer
	session.Stderr = &stderrBuffer
	session.Stdin = stdin

	m.log.Debug("Running \"%s\" on %s.", cmd, host)

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = client.Close()
		<-done
		return stdoutBuffer.String(), stderrBuffer.String(), ctx.Err()
	case err = <-done:
		return stdoutBuffer.String(), stderrBuffer.String(), err
	}
}

// ParseScreenListing interprets the output of "screen -ls" for the session with the given name.
//
// A listing without sockets means no session is running. A listing with sockets is searched for a line of the form
// "<tab><pid>.<name><tab>(". Any other output cannot be interpreted and yields SessionUnknown.
func ParseScreenListing(listing string, name string) scheduling.SessionState {
	if strings.Contains(listing, noScreenSessions) {
		return scheduling.SessionInactive
	}

	if !strings.Contains(listing, screenSockets) {
		return scheduling.SessionUnknown
	}

	pattern := regexp.MustCompile(`(?m)^\s*\d+\.` + regexp.QuoteMeta(name) + `\s+\(`)
	if pattern.MatchString(listing) {
		return scheduling.SessionActive
	}

	return scheduling.SessionInactive
}
