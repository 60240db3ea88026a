//go:generate mockgen -source=remote.go -destination=mock_scheduling/remote.go -package=mock_scheduling

package scheduling

import (
	"context"
)

// SessionState is the typed result of querying whether a named, detached remote session is still running.
type SessionState int

const (
	// SessionUnknown is returned when the session listing could not be interpreted.
	SessionUnknown SessionState = iota
	SessionActive
	SessionInactive
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// RemoteSyncer pushes local directory trees to a remote host and pulls remote trees back.
type RemoteSyncer interface {
	// Push copies localPath into remoteRoot on the host, skipping any path matching one of the exclude patterns.
	Push(ctx context.Context, host string, localPath string, remoteRoot string, excludes []string) error

	// Pull copies the remote directory remotePath on the host to localPath.
	Pull(ctx context.Context, host string, remotePath string, localPath string) error
}

// SessionManager runs commands on remote hosts, including detached, named sessions that outlive the connection
// that launched them.
type SessionManager interface {
	// LaunchDetached starts script in a detached session with the given name and returns once it has been launched.
	LaunchDetached(ctx context.Context, host string, name string, script string) error

	// SessionState reports whether the named session is still running on the host.
	SessionState(ctx context.Context, host string, name string) (SessionState, error)

	// Run executes cmd on the host and waits for it to complete.
	Run(ctx context.Context, host string, cmd string) error

	// Sudo executes cmd on the host with elevated privileges.
	Sudo(ctx context.Context, host string, cmd string) error
}

// ManagementEndpoint is the out-of-band power controller of a Server (e.g., a BMC speaking Redfish).
type ManagementEndpoint interface {
	// PowerState returns the raw power reading of the server managed at the given address.
	PowerState(ctx context.Context, managementAddress string) (RawPowerReading, error)

	// PowerOn requests that the server managed at the given address be powered on.
	PowerOn(ctx context.Context, managementAddress string) error
}
