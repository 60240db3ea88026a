package execution

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrentJobs = 64
)

// Execution is an in-flight job.
type Execution struct {
	Job       *scheduling.Job
	Server    scheduling.Server
	StartedAt time.Time
}

// Spawner runs each job in its own goroutine through an Executor, bounds the number of concurrent executions and
// publishes one Outcome per job on its Outcomes channel.
type Spawner struct {
	log logger.Logger

	executor Executor
	sem      *semaphore.Weighted
	inFlight cmap.ConcurrentMap[string, *Execution]
	outcomes chan *Outcome
	wg       sync.WaitGroup
}

// NewSpawner creates a new Spawner that allows at most maxConcurrent executions at once.
func NewSpawner(executor Executor, maxConcurrent int) *Spawner {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentJobs
	}

	spawner := &Spawner{
		executor: executor,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		inFlight: cmap.New[*Execution](),
		outcomes: make(chan *Outcome, maxConcurrent),
	}
	config.InitLogger(&spawner.log, spawner)

	return spawner
}

// Spawn starts the execution of the job on the server and returns true, or returns false without starting anything
// if the maximum number of concurrent executions has been reached.
//
// The execution slot is freed before the Outcome is published. The Outcome is dropped if ctx is done by the time it
// is available and nobody is receiving from Outcomes.
func (s *Spawner) Spawn(ctx context.Context, server scheduling.Server, job *scheduling.Job) bool {
	if !s.sem.TryAcquire(1) {
		s.log.Warn("Cannot spawn execution of job %d: %d execution(s) already in flight.", job.ID, s.inFlight.Count())
		return false
	}

	key := strconv.Itoa(job.ID)
	s.inFlight.Set(key, &Execution{Job: job, Server: server, StartedAt: time.Now()})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		outcome := s.executor.Run(ctx, server, job)
		s.inFlight.Remove(key)
		s.sem.Release(1)

		select {
		case s.outcomes <- outcome:
		case <-ctx.Done():
			s.log.Warn("Dropping outcome of job %d: %v", job.ID, outcome)
		}
	}()

	return true
}

// Outcomes returns the channel on which the Outcome of every spawned execution is published.
func (s *Spawner) Outcomes() <-chan *Outcome {
	return s.outcomes
}

// NumInFlight returns the number of executions that have not yet produced an Outcome.
func (s *Spawner) NumInFlight() int {
	return s.inFlight.Count()
}

// InFlight returns the in-flight executions ordered by job ID.
func (s *Spawner) InFlight() []*Execution {
	executions := make([]*Execution, 0, s.inFlight.Count())
	for _, execution := range s.inFlight.Items() {
		executions = append(executions, execution)
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].Job.ID < executions[j].Job.ID
	})

	return executions
}

// Wait blocks until every spawned goroutine has returned.
func (s *Spawner) Wait() {
	s.wg.Wait()
}
