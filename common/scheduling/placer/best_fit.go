package placer

import (
	"context"
	"fmt"
	"sort"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"github.com/scusemua/fleet-scheduler/common/utils"
)

// Decision is the outcome of one attempt to place a Job.
type Decision int

const (
	// Placed means that resources were reserved for the Job on Placement.Server.
	Placed Decision = iota

	// AwaitingStartup means that no On server could host the Job and a server is already starting up.
	AwaitingStartup

	// PoweringOn means that no On server could host the Job and Placement.Server was just powered on.
	PoweringOn

	// NoCapacity means that no server could host the Job this cycle and no server could be powered on for it.
	NoCapacity

	// Unplaceable means that no server in the inventory could ever host the Job.
	Unplaceable
)

func (d Decision) String() string {
	switch d {
	case Placed:
		return "placed"
	case AwaitingStartup:
		return "awaiting startup"
	case PoweringOn:
		return "powering on"
	case NoCapacity:
		return "no capacity"
	case Unplaceable:
		return "unplaceable"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Placement is the result of Placer.Place.
//
// Server is set for the Placed and PoweringOn decisions and is nil otherwise.
type Placement struct {
	Decision Decision
	Server   scheduling.Server
}

// IsPlaced returns true if resources were reserved for the Job.
func (p Placement) IsPlaced() bool {
	return p.Decision == Placed
}

func (p Placement) String() string {
	if p.Server == nil {
		return fmt.Sprintf("Placement[%s]", p.Decision)
	}

	return fmt.Sprintf("Placement[%s, Server=%d]", p.Decision, p.Server.ID())
}

// Placer decides where a Job runs.
type Placer interface {
	// Place attempts to reserve resources for the Job on one of the servers.
	//
	// The servers must be passed in inventory order. A non-nil error is returned only with the Unplaceable decision.
	Place(ctx context.Context, job *scheduling.Job, servers []scheduling.Server) (Placement, error)
}

// BestFitPlacer places each Job on the powered-on, healthy server with the least available CPU that can still host
// it, and powers servers on when no such server exists.
type BestFitPlacer struct {
	log logger.Logger
}

// NewBestFitPlacer creates a new BestFitPlacer.
func NewBestFitPlacer() *BestFitPlacer {
	placer := &BestFitPlacer{}
	config.InitLogger(&placer.log, placer)

	return placer
}

func (placer *BestFitPlacer) Place(ctx context.Context, job *scheduling.Job, servers []scheduling.Server) (Placement, error) {
	if !canEverFit(job, servers) {
		placer.log.Error(utils.RedStyle.Render("Job %d requests %s, which exceeds the total capacity of all %d server(s)."),
			job.ID, job.Request.String(), len(servers))
		return Placement{Decision: Unplaceable},
			fmt.Errorf("%w: job %d requests %s", scheduling.ErrUnplaceableJob, job.ID, job.Request.String())
	}

	if server := placer.reserveBestFit(job, servers); server != nil {
		return Placement{Decision: Placed, Server: server}, nil
	}

	for _, server := range servers {
		if server.Healthy() && server.PowerState() == scheduling.PowerStartingUp {
			placer.log.Debug("Cannot place job %d yet: server %d is starting up.", job.ID, server.ID())
			return Placement{Decision: AwaitingStartup}, nil
		}
	}

	for _, server := range servers {
		if !server.Healthy() || server.PowerState() != scheduling.PowerOff || !server.CanEverFit(job.Request) {
			continue
		}

		if err := server.Start(ctx); err != nil {
			placer.log.Warn(utils.OrangeStyle.Render("Failed to start server %d for job %d: %v"), server.ID(), job.ID, err)
			continue
		}

		placer.log.Info(utils.LightBlueStyle.Render("Started server %d so that it may eventually host job %d."),
			server.ID(), job.ID)
		return Placement{Decision: PoweringOn, Server: server}, nil
	}

	placer.log.Debug("No server can host job %d this cycle.", job.ID)
	return Placement{Decision: NoCapacity}, nil
}

// reserveBestFit reserves resources for the Job on the eligible server with the least available CPU. Ties are
// broken by inventory order. reserveBestFit returns nil if no reservation was made.
func (placer *BestFitPlacer) reserveBestFit(job *scheduling.Job, servers []scheduling.Server) scheduling.Server {
	type candidate struct {
		server       scheduling.Server
		availableCPU int
	}

	candidates := make([]candidate, 0, len(servers))
	for _, server := range servers {
		if !server.Healthy() || server.PowerState() != scheduling.PowerOn {
			continue
		}

		availableCPU := server.AvailableCPU()
		if !job.Request.FitsWithin(availableCPU, server.AvailableRAM()) {
			continue
		}

		candidates = append(candidates, candidate{server: server, availableCPU: availableCPU})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].availableCPU < candidates[j].availableCPU
	})

	for _, c := range candidates {
		if c.server.TryReserve(job) {
			placer.log.Debug(utils.GreenStyle.Render("Placed job %d on server %d (%d CPU available before placement)."),
				job.ID, c.server.ID(), c.availableCPU)
			return c.server
		}
	}

	return nil
}

func canEverFit(job *scheduling.Job, servers []scheduling.Server) bool {
	for _, server := range servers {
		if server.CanEverFit(job.Request) {
			return true
		}
	}

	return false
}
