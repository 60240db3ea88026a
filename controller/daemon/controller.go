package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/fleet-scheduler/common/configuration"
	"github.com/scusemua/fleet-scheduler/common/metrics"
	"github.com/scusemua/fleet-scheduler/common/queue"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"github.com/scusemua/fleet-scheduler/common/scheduling/execution"
	"github.com/scusemua/fleet-scheduler/common/scheduling/placer"
	"github.com/scusemua/fleet-scheduler/common/utils"
	"github.com/scusemua/fleet-scheduler/controller/status"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxRejectedJobs bounds the list of rejected job IDs kept for the status page.
	DefaultMaxRejectedJobs = 128
)

// Spawner starts executions and reports their outcomes. It is implemented by *execution.Spawner.
type Spawner interface {
	Spawn(ctx context.Context, server scheduling.Server, job *scheduling.Job) bool
	Outcomes() <-chan *execution.Outcome
	NumInFlight() int
	InFlight() []*execution.Execution
}

// FleetController owns the fleet: the servers of the inventory, the job queue, the placer and the spawner.
//
// The job queue and the set of active jobs are only touched by the goroutine that calls Tick, IngestAndDrain and
// HandleOutcome (the goroutine running Run). Report may be called from any goroutine.
type FleetController struct {
	log logger.Logger

	servers  []scheduling.Server
	queue    *queue.Fifo[*scheduling.Job]
	placer   placer.Placer
	spawner  Spawner
	ingestor *Ingestor
	metrics  *metrics.FleetPrometheusManager

	tickInterval  time.Duration
	maxIdleCycles int
	watchJobDir   bool

	// active holds the IDs of the jobs that are queued or in flight.
	active map[int]struct{}

	queueLength atomic.Int64
	malformed   atomic.Int64

	rejectedMu      sync.Mutex
	rejected        []int
	maxRejectedJobs int
}

// FleetControllerBuilder assembles a FleetController.
type FleetControllerBuilder struct {
	options  *configuration.FleetOptions
	servers  []scheduling.Server
	placer   placer.Placer
	spawner  Spawner
	ingestor *Ingestor
	metrics  *metrics.FleetPrometheusManager
}

func NewFleetControllerBuilder(options *configuration.FleetOptions) *FleetControllerBuilder {
	return &FleetControllerBuilder{
		options: options,
	}
}

// WithServers sets the servers of the fleet, in inventory order.
func (b *FleetControllerBuilder) WithServers(servers []scheduling.Server) *FleetControllerBuilder {
	b.servers = servers
	return b
}

func (b *FleetControllerBuilder) WithPlacer(placer placer.Placer) *FleetControllerBuilder {
	b.placer = placer
	return b
}

func (b *FleetControllerBuilder) WithSpawner(spawner Spawner) *FleetControllerBuilder {
	b.spawner = spawner
	return b
}

func (b *FleetControllerBuilder) WithIngestor(ingestor *Ingestor) *FleetControllerBuilder {
	b.ingestor = ingestor
	return b
}

func (b *FleetControllerBuilder) WithMetricsManager(manager *metrics.FleetPrometheusManager) *FleetControllerBuilder {
	b.metrics = manager
	return b
}

// Build creates the FleetController. A BestFitPlacer, an Ingestor for the configured job directory and a metrics
// manager that does not serve anything are used when none were provided. A spawner must be provided.
func (b *FleetControllerBuilder) Build() *FleetController {
	if b.spawner == nil {
		panic("a Spawner must be provided to build a FleetController")
	}

	controller := &FleetController{
		servers:         b.servers,
		queue:           queue.NewFifo[*scheduling.Job](64),
		placer:          b.placer,
		spawner:         b.spawner,
		ingestor:        b.ingestor,
		metrics:         b.metrics,
		tickInterval:    b.options.TickInterval(),
		maxIdleCycles:   b.options.MaxIdleCycles,
		watchJobDir:     b.options.WatchJobDir,
		active:          make(map[int]struct{}),
		maxRejectedJobs: DefaultMaxRejectedJobs,
	}
	config.InitLogger(&controller.log, controller)

	if controller.tickInterval <= 0 {
		controller.tickInterval = configuration.DefaultTickIntervalSec * time.Second
	}

	if controller.placer == nil {
		controller.placer = placer.NewBestFitPlacer()
	}

	if controller.ingestor == nil {
		controller.ingestor = NewIngestor(b.options.JobDir)
	}

	if controller.metrics == nil {
		controller.metrics = metrics.NewFleetPrometheusManager(-1)
	}

	return controller
}

// Servers returns the servers of the fleet in inventory order.
func (c *FleetController) Servers() []scheduling.Server {
	return c.servers
}

// QueueLength returns the number of queued jobs as of the end of the last ingest or drain.
func (c *FleetController) QueueLength() int {
	return int(c.queueLength.Load())
}

// Enqueue adds a job to the back of the queue. Enqueue returns false if a job with the same ID is already queued or
// in flight, in which case the job is rejected.
func (c *FleetController) Enqueue(job *scheduling.Job) bool {
	if _, loaded := c.active[job.ID]; loaded {
		c.log.Error(utils.RedStyle.Render("Rejecting job %d: a job with the same ID is already queued or running."), job.ID)
		job.SetStatus(scheduling.JobFailed)
		c.reject(job.ID)
		return false
	}

	c.active[job.ID] = struct{}{}
	c.queue.Enqueue(job)
	c.publishQueueLength()

	return true
}

// Run reconciles the fleet and then ticks every tick interval until ctx is done. Outcomes of executions are handled as
// they arrive. If the job directory is watched, new descriptors are ingested and placed without waiting for the next
// tick.
func (c *FleetController) Run(ctx context.Context) error {
	var notifications <-chan struct{}
	if c.watchJobDir {
		watcher, err := NewJobDirWatcher(c.ingestor.Dir(), DefaultSettleDelay)
		if err != nil {
			c.log.Error(utils.RedStyle.Render("Failed to watch job directory: %v. New jobs will be ingested on ticks only."), err)
		} else {
			defer func() { _ = watcher.Close() }()
			notifications = watcher.Notifications()
		}
	}

	c.log.Info("Fleet controller started with %d server(s). Tick interval: %v.", len(c.servers), c.tickInterval)

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	c.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Fleet controller stopping: %v. %d job(s) queued, %d in flight.",
				ctx.Err(), c.queue.Len(), c.spawner.NumInFlight())
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		case outcome := <-c.spawner.Outcomes():
			c.HandleOutcome(outcome)
		case <-notifications:
			c.IngestAndDrain(ctx)
		}
	}
}

// Tick runs one cycle of the controller: ingest, reconcile, drain, idle policy and metrics.
func (c *FleetController) Tick(ctx context.Context) {
	start := time.Now()

	c.ingest()
	c.reconcileAll(ctx)
	c.drain(ctx)
	c.applyIdlePolicy(ctx)
	c.publishMetrics()

	c.metrics.ObserveTick(time.Since(start))
	c.log.Debug("Tick completed in %v. Queue: %d, in flight: %d.", time.Since(start), c.queue.Len(),
		c.spawner.NumInFlight())
}

// IngestAndDrain ingests new descriptors and drains the queue without reconciling power states or counting idle
// cycles.
func (c *FleetController) IngestAndDrain(ctx context.Context) {
	c.ingest()
	c.drain(ctx)
	c.publishMetrics()
}

// HandleOutcome records the outcome of an execution.
func (c *FleetController) HandleOutcome(outcome *execution.Outcome) {
	delete(c.active, outcome.JobID)

	switch {
	case outcome.Abandoned:
		c.log.Warn(utils.OrangeStyle.Render("Job %d on server %d was abandoned after %v: %v"),
			outcome.JobID, outcome.ServerID, outcome.Duration, outcome.Err)
		c.metrics.RecordJobOutcome(metrics.OutcomeAbandoned, outcome.Duration)
	case outcome.Status == scheduling.JobDone:
		c.log.Info(utils.GreenStyle.Render("Job %d completed on server %d in %v."),
			outcome.JobID, outcome.ServerID, outcome.Duration)
		c.metrics.RecordJobOutcome(metrics.OutcomeDone, outcome.Duration)
	default:
		c.log.Error(utils.RedStyle.Render("Job %d failed on server %d during %s: %v"),
			outcome.JobID, outcome.ServerID, outcome.Phase, outcome.Err)
		c.metrics.RecordJobOutcome(metrics.OutcomeFailed, outcome.Duration)
	}

	c.metrics.SetJobsInFlight(c.spawner.NumInFlight())
}

func (c *FleetController) ingest() {
	result, err := c.ingestor.Ingest()
	if err != nil {
		c.log.Error(utils.RedStyle.Render("Failed to ingest job descriptors: %v"), err)
		return
	}

	c.malformed.Add(int64(len(result.Malformed)))

	for _, job := range result.Jobs {
		if c.Enqueue(job) {
			c.log.Info("Queued job %d (%s).", job.ID, job.Request.String())
		}
	}
}

// reconcileAll reconciles the power state of every server concurrently. Servers whose management endpoint cannot be
// queried keep their state.
func (c *FleetController) reconcileAll(ctx context.Context) {
	var group errgroup.Group

	for _, server := range c.servers {
		server := server
		group.Go(func() error {
			if err := server.Reconcile(ctx); err != nil {
				c.log.Warn("Failed to reconcile server %d: %v", server.ID(), err)
			}

			return nil
		})
	}

	_ = group.Wait()
}

// drain places queued jobs in FIFO order. Draining stops at the first job that cannot be placed, which is put back at
// the front of the queue. Unplaceable jobs are failed and draining continues.
func (c *FleetController) drain(ctx context.Context) {
	defer c.publishQueueLength()

	for {
		job, ok := c.queue.Dequeue()
		if !ok {
			return
		}

		placement, err := c.placer.Place(ctx, job, c.servers)

		switch placement.Decision {
		case placer.Placed:
			if !c.spawner.Spawn(ctx, placement.Server, job) {
				if releaseErr := placement.Server.Release(job.ID); releaseErr != nil {
					c.log.Error("Failed to release resources of job %d: %v", job.ID, releaseErr)
				}

				c.queue.PushFront(job)
				return
			}

			c.log.Info(utils.StyleForTag(placement.Server.Tag()).Render("Placed job %d on server %d."),
				job.ID, placement.Server.ID())
			c.metrics.SetJobsInFlight(c.spawner.NumInFlight())
		case placer.Unplaceable:
			c.log.Error(utils.RedStyle.Render("Job %d can never be placed and is discarded: %v"), job.ID, err)
			job.SetStatus(scheduling.JobFailed)
			delete(c.active, job.ID)
			c.reject(job.ID)
			c.metrics.RecordJobOutcome(metrics.OutcomeUnplaceable, 0)
		case placer.PoweringOn:
			c.metrics.RecordPowerAction(placement.Server.ID(), metrics.ActionStart)
			c.queue.PushFront(job)
			return
		default:
			c.log.Debug("Job %d remains at the head of the queue: %s.", job.ID, placement.Decision)
			c.queue.PushFront(job)
			return
		}
	}
}

// applyIdlePolicy shuts down healthy servers that have been on with no jobs for more than the maximum number of idle
// cycles.
func (c *FleetController) applyIdlePolicy(ctx context.Context) {
	for _, server := range c.servers {
		if !server.RecordIdleTick(c.maxIdleCycles) {
			continue
		}

		if !server.Healthy() {
			c.log.Debug("Server %d is idle but unhealthy. Not shutting it down.", server.ID())
			continue
		}

		c.log.Info(utils.StyleForTag(server.Tag()).Render("Server %d has been idle for more than %d cycle(s). Shutting it down."),
			server.ID(), c.maxIdleCycles)

		c.metrics.RecordPowerAction(server.ID(), metrics.ActionShutdown)
		if err := server.Shutdown(ctx); err != nil {
			c.log.Error(utils.RedStyle.Render("Failed to shut down idle server %d: %v"), server.ID(), err)
		}
	}
}

func (c *FleetController) publishMetrics() {
	for _, server := range c.servers {
		c.metrics.PublishServer(server.Snapshot())
	}

	c.metrics.SetQueueLength(c.queue.Len())
	c.metrics.SetJobsInFlight(c.spawner.NumInFlight())
}

func (c *FleetController) publishQueueLength() {
	c.queueLength.Store(int64(c.queue.Len()))
}

func (c *FleetController) reject(jobID int) {
	c.rejectedMu.Lock()
	defer c.rejectedMu.Unlock()

	c.rejected = append(c.rejected, jobID)
	if len(c.rejected) > c.maxRejectedJobs {
		c.rejected = c.rejected[len(c.rejected)-c.maxRejectedJobs:]
	}
}

// RejectedJobIDs returns the IDs of the most recently rejected jobs, oldest first.
func (c *FleetController) RejectedJobIDs() []int {
	c.rejectedMu.Lock()
	defer c.rejectedMu.Unlock()

	return append([]int(nil), c.rejected...)
}

// Report returns a view of the fleet for the status page.
func (c *FleetController) Report() status.Report {
	snapshots := make([]scheduling.ServerSnapshot, 0, len(c.servers))
	for _, server := range c.servers {
		snapshots = append(snapshots, server.Snapshot())
	}

	executions := c.spawner.InFlight()
	inFlight := make([]status.InFlightJob, 0, len(executions))
	for _, e := range executions {
		inFlight = append(inFlight, status.InFlightJob{JobID: e.Job.ID, ServerID: e.Server.ID(), StartedAt: e.StartedAt})
	}

	return status.Report{
		GeneratedAt:          time.Now(),
		Servers:              snapshots,
		QueueLength:          c.QueueLength(),
		InFlight:             inFlight,
		RejectedJobIDs:       c.RejectedJobIDs(),
		MalformedDescriptors: int(c.malformed.Load()),
	}
}
