package testing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"github.com/scusemua/fleet-scheduler/common/scheduling/entity"
)

// FakeManagementEndpoint is an in-memory scheduling.ManagementEndpoint. Every management address starts RawOff.
// A power-on request flips the reading of the address to RawOn.
type FakeManagementEndpoint struct {
	mu              sync.Mutex
	readings        map[string]scheduling.RawPowerReading
	failures        map[string]error
	powerOnRequests map[string]int
}

func NewFakeManagementEndpoint() *FakeManagementEndpoint {
	return &FakeManagementEndpoint{
		readings:        make(map[string]scheduling.RawPowerReading),
		failures:        make(map[string]error),
		powerOnRequests: make(map[string]int),
	}
}

func (e *FakeManagementEndpoint) PowerState(_ context.Context, managementAddress string) (scheduling.RawPowerReading, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failures[managementAddress]; err != nil {
		return scheduling.RawOff, err
	}

	return e.readings[managementAddress], nil
}

func (e *FakeManagementEndpoint) PowerOn(_ context.Context, managementAddress string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failures[managementAddress]; err != nil {
		return err
	}

	e.powerOnRequests[managementAddress] += 1
	e.readings[managementAddress] = scheduling.RawOn
	return nil
}

// SetReading changes the raw reading reported for the address.
func (e *FakeManagementEndpoint) SetReading(managementAddress string, reading scheduling.RawPowerReading) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.readings[managementAddress] = reading
}

// SetFailure makes every call for the address fail with err. A nil err clears the failure.
func (e *FakeManagementEndpoint) SetFailure(managementAddress string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures[managementAddress] = err
}

// PowerOnRequests returns the number of successful power-on requests issued for the address.
func (e *FakeManagementEndpoint) PowerOnRequests(managementAddress string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.powerOnRequests[managementAddress]
}

// FakeSessionManager is an in-memory scheduling.SessionManager. Hosts are reachable unless marked otherwise.
// Launched sessions stay active until FinishSession is called.
type FakeSessionManager struct {
	mu          sync.Mutex
	unreachable map[string]bool
	sessions    map[string]scheduling.SessionState
	scripts     map[string]string
	sudo        map[string][]string
}

func NewFakeSessionManager() *FakeSessionManager {
	return &FakeSessionManager{
		unreachable: make(map[string]bool),
		sessions:    make(map[string]scheduling.SessionState),
		scripts:     make(map[string]string),
		sudo:        make(map[string][]string),
	}
}

func sessionKey(host string, name string) string {
	return host + "/" + name
}

func (m *FakeSessionManager) LaunchDetached(_ context.Context, host string, name string, script string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable[host] {
		return fmt.Errorf("host %s is unreachable", host)
	}

	m.sessions[sessionKey(host, name)] = scheduling.SessionActive
	m.scripts[sessionKey(host, name)] = script
	return nil
}

func (m *FakeSessionManager) SessionState(_ context.Context, host string, name string) (scheduling.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable[host] {
		return scheduling.SessionUnknown, fmt.Errorf("host %s is unreachable", host)
	}

	state, ok := m.sessions[sessionKey(host, name)]
	if !ok {
		return scheduling.SessionInactive, nil
	}

	return state, nil
}

func (m *FakeSessionManager) Run(_ context.Context, host string, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable[host] {
		return fmt.Errorf("host %s is unreachable", host)
	}

	return nil
}

func (m *FakeSessionManager) Sudo(_ context.Context, host string, cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable[host] {
		return fmt.Errorf("host %s is unreachable", host)
	}

	m.sudo[host] = append(m.sudo[host], cmd)
	return nil
}

// SetReachable controls whether commands issued to the host succeed.
func (m *FakeSessionManager) SetReachable(host string, reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unreachable[host] = !reachable
}

// FinishSession marks the named session on the host as no longer running.
func (m *FakeSessionManager) FinishSession(host string, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[sessionKey(host, name)] = scheduling.SessionInactive
}

// LaunchedSessions returns the names of the sessions that were launched on the host, in no particular order.
func (m *FakeSessionManager) LaunchedSessions(host string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.scripts))
	for key := range m.scripts {
		if name, found := strings.CutPrefix(key, host+"/"); found {
			names = append(names, name)
		}
	}

	return names
}

// Script returns the script that the named session on the host was launched with.
func (m *FakeSessionManager) Script(host string, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.scripts[sessionKey(host, name)]
}

// SudoCommands returns the privileged commands that were issued to the host.
func (m *FakeSessionManager) SudoCommands(host string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.sudo[host]...)
}

// NewServerInState creates an *entity.Server backed by the fakes and drives it into the requested PowerState through
// the same calls the controller makes.
func NewServerInState(spec entity.ServerSpec, state scheduling.PowerState, endpoint *FakeManagementEndpoint,
	sessions *FakeSessionManager) (*entity.Server, error) {

	server := entity.NewServer(spec, endpoint, sessions)
	ctx := context.Background()

	reconcile := func(reading scheduling.RawPowerReading, reachable bool) error {
		endpoint.SetReading(spec.ManagementAddress, reading)
		sessions.SetReachable(spec.Address, reachable)
		return server.Reconcile(ctx)
	}

	var err error
	switch state {
	case scheduling.PowerUnknown:
	case scheduling.PowerOff:
		err = reconcile(scheduling.RawOff, false)
	case scheduling.PowerOn:
		err = reconcile(scheduling.RawOn, true)
	case scheduling.PowerTransitioning:
		err = reconcile(scheduling.RawOn, false)
	case scheduling.PowerStartingUp:
		if err = reconcile(scheduling.RawOff, false); err == nil {
			err = server.Start(ctx)
		}
	case scheduling.PowerShuttingDown:
		if err = reconcile(scheduling.RawOn, true); err == nil {
			err = server.Shutdown(ctx)
		}
	default:
		err = fmt.Errorf("unsupported power state: %v", state)
	}

	if err != nil {
		return nil, err
	}

	if server.PowerState() != state {
		return nil, fmt.Errorf("server %d is in state \"%s\", expected \"%s\"", spec.ID, server.PowerState(), state)
	}

	return server, nil
}

// FakeRemoteSyncer is an in-memory scheduling.RemoteSyncer. Pull creates the local directory with a single
// "log.txt" file naming the remote path.
type FakeRemoteSyncer struct {
	mu     sync.Mutex
	pushes []string
	pulls  []string
}

func NewFakeRemoteSyncer() *FakeRemoteSyncer {
	return &FakeRemoteSyncer{}
}

func (s *FakeRemoteSyncer) Push(_ context.Context, host string, localPath string, remoteRoot string, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushes = append(s.pushes, fmt.Sprintf("%s -> %s:%s", localPath, host, remoteRoot))
	return nil
}

func (s *FakeRemoteSyncer) Pull(_ context.Context, host string, remotePath string, localPath string) error {
	s.mu.Lock()
	s.pulls = append(s.pulls, fmt.Sprintf("%s:%s -> %s", host, remotePath, localPath))
	s.mu.Unlock()

	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(localPath, "log.txt"), []byte("remote: "+remotePath+"\n"), 0o644)
}

// Pushes returns a description of every push, in order.
func (s *FakeRemoteSyncer) Pushes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.pushes...)
}

// Pulls returns a description of every pull, in order.
func (s *FakeRemoteSyncer) Pulls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.pulls...)
}
