package scheduling

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Server is a single physical machine of the fleet.
//
// A Server owns its capacity ledger and its power state. All mutations of the ledger are serialized by a
// per-server lock; no operation ever needs to hold the locks of two Servers at once.
type Server interface {
	fmt.Stringer

	// ID returns the numeric inventory ID of the Server.
	ID() int

	// Address returns the compute (OS) network address of the Server.
	Address() string

	// ManagementAddress returns the network address of the Server's ManagementEndpoint.
	ManagementAddress() string

	// Tag is the display tag of the Server, used to color its log output.
	Tag() string

	TotalCPU() int
	TotalRAM() int
	AvailableCPU() int
	AvailableRAM() int

	// CanEverFit returns true if the Server's total capacity satisfies the request, regardless of current usage.
	CanEverFit(request ResourceRequest) bool

	// TryReserve atomically checks that the Server has enough available CPU and RAM for the Job and, if so,
	// decrements both and records the Job as assigned. TryReserve returns true if the reservation was made.
	TryReserve(job *Job) bool

	// Release atomically returns the resources reserved for the specified Job and removes it from the Server.
	Release(jobID int) error

	// AssignedJobIDs returns the IDs of the Jobs currently assigned to the Server in ascending order.
	AssignedJobIDs() []int
	NumAssignedJobs() int

	PowerState() PowerState

	// Healthy returns false if the Server has been excluded from placement and power actions.
	Healthy() bool
	SetHealthy(healthy bool)

	// Reconcile updates the PowerState of the Server from its ManagementEndpoint and a liveness probe.
	Reconcile(ctx context.Context) error

	// Start issues a power-on request. Start is only legal when the Server is Off.
	Start(ctx context.Context) error

	// Shutdown issues an OS-level shutdown. Shutdown is a no-op when the Server is Off.
	Shutdown(ctx context.Context) error

	// RecordIdleTick records one controller tick and returns true if the Server has been On with no assigned
	// Jobs for more than maxIdleCycles consecutive ticks. The idle counter is reset when true is returned.
	RecordIdleTick(maxIdleCycles int) bool
	IdleCycles() int

	// Snapshot returns a consistent, read-only view of the Server.
	Snapshot() ServerSnapshot
}

// ServerSnapshot is a point-in-time copy of the state of a Server.
type ServerSnapshot struct {
	ID             int             `json:"id"`
	Tag            string          `json:"tag"`
	Address        string          `json:"address"`
	PowerState     PowerState      `json:"power_state"`
	Healthy        bool            `json:"healthy"`
	TotalCPU       int             `json:"total_cpu"`
	TotalRAM       int             `json:"total_ram"`
	AvailableCPU   int             `json:"available_cpu"`
	AvailableRAM   int             `json:"available_ram"`
	IdleCycles     int             `json:"idle_cycles"`
	AssignedJobIDs []int           `json:"assigned_job_ids"`
	CPUUtilization decimal.Decimal `json:"cpu_utilization"`
	RAMUtilization decimal.Decimal `json:"ram_utilization"`
}
