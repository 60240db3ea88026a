package entity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"github.com/scusemua/fleet-scheduler/common/utils"
)

const (
	// DefaultProbeTimeout bounds the liveness probe issued during reconciliation.
	DefaultProbeTimeout = 15 * time.Second

	// ShutdownCommand is issued with elevated privileges to power a Server off from its OS.
	ShutdownCommand = "shutdown -h +1"

	// probeCommand is a trivial command used to check that the OS of a Server is reachable.
	probeCommand = ":"
)

// ServerSpec is the static inventory record of a Server.
type ServerSpec struct {
	ID                int    `json:"id" yaml:"id"`
	Address           string `json:"address" yaml:"address"`
	ManagementAddress string `json:"management_address" yaml:"management_address"`
	RAM               int    `json:"ram" yaml:"ram"`
	CPU               int    `json:"cpu" yaml:"cpu"`
	Tag               string `json:"tag" yaml:"tag"`
}

// Server is the implementation of scheduling.Server for a physical machine that is powered on and off through a
// scheduling.ManagementEndpoint and runs Jobs through a scheduling.SessionManager.
type Server struct {
	log   logger.Logger
	style lipgloss.Style

	spec ServerSpec

	endpoint     scheduling.ManagementEndpoint // endpoint queries and controls the power of the Server out-of-band.
	sessions     scheduling.SessionManager     // sessions runs the liveness probe and the OS-level shutdown.
	probeTimeout time.Duration

	// mu guards every field below. It is never held across remote I/O.
	mu           sync.Mutex
	availableCPU int
	availableRAM int
	powerState   scheduling.PowerState
	healthy      bool
	idleCycles   int
	assigned     map[int]scheduling.ResourceRequest // assigned maps the ID of each assigned Job to its reserved resources.
}

// NewServer creates a new, healthy Server in the PowerUnknown state with all of its capacity available.
func NewServer(spec ServerSpec, endpoint scheduling.ManagementEndpoint, sessions scheduling.SessionManager) *Server {
	server := &Server{
		style:        utils.StyleForTag(spec.Tag),
		spec:         spec,
		endpoint:     endpoint,
		sessions:     sessions,
		probeTimeout: DefaultProbeTimeout,
		availableCPU: spec.CPU,
		availableRAM: spec.RAM,
		powerState:   scheduling.PowerUnknown,
		healthy:      true,
		assigned:     make(map[int]scheduling.ResourceRequest),
	}
	config.InitLogger(&server.log, fmt.Sprintf("Server-%d ", spec.ID))

	return server
}

// SetProbeTimeout changes the timeout of the liveness probe issued by Reconcile.
func (s *Server) SetProbeTimeout(timeout time.Duration) {
	s.probeTimeout = timeout
}

func (s *Server) ID() int                   { return s.spec.ID }
func (s *Server) Address() string           { return s.spec.Address }
func (s *Server) ManagementAddress() string { return s.spec.ManagementAddress }
func (s *Server) Tag() string               { return s.spec.Tag }
func (s *Server) TotalCPU() int             { return s.spec.CPU }
func (s *Server) TotalRAM() int             { return s.spec.RAM }

func (s *Server) AvailableCPU() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.availableCPU
}

func (s *Server) AvailableRAM() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.availableRAM
}

func (s *Server) CanEverFit(request scheduling.ResourceRequest) bool {
	return request.FitsWithin(s.spec.CPU, s.spec.RAM)
}

func (s *Server) TryReserve(job *scheduling.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, loaded := s.assigned[job.ID]; loaded {
		s.log.Warn(utils.OrangeStyle.Render("Cannot reserve resources for job %d: job is already assigned to server %d."),
			job.ID, s.spec.ID)
		return false
	}

	if !job.Request.FitsWithin(s.availableCPU, s.availableRAM) {
		s.log.Debug("Cannot reserve %s for job %d: only %d CPU and %d RAM available.",
			job.Request.String(), job.ID, s.availableCPU, s.availableRAM)
		return false
	}

	s.availableCPU -= job.Request.CPU
	s.availableRAM -= job.Request.RAM
	s.assigned[job.ID] = job.Request
	s.idleCycles = 0

	s.log.Debug(s.style.Render("Reserved %s for job %d. Available: %d CPU, %d RAM."),
		job.Request.String(), job.ID, s.availableCPU, s.availableRAM)

	return true
}

func (s *Server) Release(jobID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, loaded := s.assigned[jobID]
	if !loaded {
		s.log.Error("Cannot release resources of job %d: job is not assigned to server %d.", jobID, s.spec.ID)
		return fmt.Errorf("%w: job %d, server %d", scheduling.ErrJobNotAssigned, jobID, s.spec.ID)
	}

	delete(s.assigned, jobID)
	s.availableCPU = min(s.availableCPU+request.CPU, s.spec.CPU)
	s.availableRAM = min(s.availableRAM+request.RAM, s.spec.RAM)

	s.log.Debug(s.style.Render("Released %s of job %d. Available: %d CPU, %d RAM."),
		request.String(), jobID, s.availableCPU, s.availableRAM)

	return nil
}

func (s *Server) AssignedJobIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.assignedJobIDsLocked()
}

func (s *Server) assignedJobIDsLocked() []int {
	ids := make([]int, 0, len(s.assigned))
	for id := range s.assigned {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return ids
}

func (s *Server) NumAssignedJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.assigned)
}

func (s *Server) PowerState() scheduling.PowerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.powerState
}

func (s *Server) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.healthy
}

func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.healthy != healthy {
		s.log.Warn(utils.YellowStyle.Render("Server %d health changed: %v -> %v."), s.spec.ID, s.healthy, healthy)
	}
	s.healthy = healthy
}

// Reconcile queries the raw power state from the ManagementEndpoint and, if the server reports being on, probes the
// OS with a trivial command. The new PowerState is computed by scheduling.NextPowerState.
//
// If the ManagementEndpoint cannot be queried, the PowerState is left unchanged and the error is returned.
func (s *Server) Reconcile(ctx context.Context) error {
	reading, err := s.endpoint.PowerState(ctx, s.spec.ManagementAddress)
	if err != nil {
		s.log.Warn(utils.OrangeStyle.Render("Failed to query power state of server %d at %s: %v. Keeping state \"%s\"."),
			s.spec.ID, s.spec.ManagementAddress, err, s.PowerState())
		return errors.Wrapf(err, "failed to query power state of server %d", s.spec.ID)
	}

	probeOK := true
	if reading == scheduling.RawOn {
		probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		if probeErr := s.sessions.Run(probeCtx, s.spec.Address, probeCommand); probeErr != nil {
			s.log.Debug("Liveness probe of server %d at %s failed: %v", s.spec.ID, s.spec.Address, probeErr)
			probeOK = false
		}
		cancel()
	}

	s.mu.Lock()
	previous := s.powerState
	s.powerState = scheduling.NextPowerState(previous, reading, probeOK)
	current := s.powerState
	s.mu.Unlock()

	if previous != current {
		s.log.Info(s.style.Render("Server %d power state: \"%s\" -> \"%s\" (raw=%s, probe=%v)."),
			s.spec.ID, previous, current, reading, probeOK)
	}

	return nil
}

// Start issues a power-on request to the ManagementEndpoint.
//
// The state is set to StartingUp before the request is issued so that no other power-on request is issued for this
// Server before the next reconciliation. If the request fails, the state is rolled back to Off.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.healthy {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start server %d", scheduling.ErrServerUnhealthy, s.spec.ID)
	}

	if s.powerState != scheduling.PowerOff {
		state := s.powerState
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start server %d from state \"%s\"",
			scheduling.ErrIllegalPowerTransition, s.spec.ID, state)
	}
	s.powerState = scheduling.PowerStartingUp
	s.mu.Unlock()

	s.log.Info(s.style.Render("Powering on server %d via %s."), s.spec.ID, s.spec.ManagementAddress)

	if err := s.endpoint.PowerOn(ctx, s.spec.ManagementAddress); err != nil {
		s.mu.Lock()
		if s.powerState == scheduling.PowerStartingUp {
			s.powerState = scheduling.PowerOff
		}
		s.mu.Unlock()

		s.log.Error("Failed to power on server %d: %v", s.spec.ID, err)
		return errors.Wrapf(err, "failed to power on server %d", s.spec.ID)
	}

	return nil
}

// Shutdown issues an OS-level shutdown through the SessionManager.
//
// The state is set to ShuttingDown before the command is issued. If the command fails, the previous state is
// restored.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.powerState == scheduling.PowerOff {
		s.mu.Unlock()
		return nil
	}
	previous := s.powerState
	s.powerState = scheduling.PowerShuttingDown
	s.mu.Unlock()

	s.log.Info(s.style.Render("Shutting down server %d."), s.spec.ID)

	if err := s.sessions.Sudo(ctx, s.spec.Address, ShutdownCommand); err != nil {
		s.mu.Lock()
		if s.powerState == scheduling.PowerShuttingDown {
			s.powerState = previous
		}
		s.mu.Unlock()

		s.log.Error("Failed to shut down server %d: %v", s.spec.ID, err)
		return errors.Wrapf(err, "failed to shut down server %d", s.spec.ID)
	}

	return nil
}

func (s *Server) RecordIdleTick(maxIdleCycles int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.powerState != scheduling.PowerOn || len(s.assigned) > 0 {
		s.idleCycles = 0
		return false
	}

	s.idleCycles += 1
	if s.idleCycles > maxIdleCycles {
		s.idleCycles = 0
		return true
	}

	return false
}

func (s *Server) IdleCycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.idleCycles
}

func (s *Server) Snapshot() scheduling.ServerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return scheduling.ServerSnapshot{
		ID:             s.spec.ID,
		Tag:            s.spec.Tag,
		Address:        s.spec.Address,
		PowerState:     s.powerState,
		Healthy:        s.healthy,
		TotalCPU:       s.spec.CPU,
		TotalRAM:       s.spec.RAM,
		AvailableCPU:   s.availableCPU,
		AvailableRAM:   s.availableRAM,
		IdleCycles:     s.idleCycles,
		AssignedJobIDs: s.assignedJobIDsLocked(),
		CPUUtilization: utils.UtilizationPercent(s.availableCPU, s.spec.CPU),
		RAMUtilization: utils.UtilizationPercent(s.availableRAM, s.spec.RAM),
	}
}

func (s *Server) String() string {
	snapshot := s.Snapshot()
	return fmt.Sprintf("Server[ID=%d, Addr=%s, Power=%s, Healthy=%v, CPU=%d/%d, RAM=%d/%d, Jobs=%v]",
		snapshot.ID, snapshot.Address, snapshot.PowerState, snapshot.Healthy, snapshot.AvailableCPU, snapshot.TotalCPU,
		snapshot.AvailableRAM, snapshot.TotalRAM, snapshot.AssignedJobIDs)
}
