package execution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"github.com/scusemua/fleet-scheduler/common/utils"
)

const (
	DefaultPollInterval = 2 * time.Minute
	DefaultGracePeriod  = 30 * time.Second
)

// Phase identifies the step of an execution.
type Phase int

const (
	PhaseSync Phase = iota
	PhaseLaunch
	PhasePolling
	PhaseRetrieval
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseSync:
		return "sync"
	case PhaseLaunch:
		return "launch"
	case PhasePolling:
		return "polling"
	case PhaseRetrieval:
		return "retrieval"
	case PhaseComplete:
		return "complete"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Outcome is the terminal result of one execution.
type Outcome struct {
	JobID       int
	ServerID    int
	SessionName string

	// Status is JobDone or JobFailed, or JobRunning if the execution was abandoned.
	Status scheduling.JobStatus

	// Phase is the phase in which the execution ended.
	Phase Phase

	// Abandoned is true if the execution stopped before completion was observed. The job's resources are still
	// reserved on the server in that case.
	Abandoned bool

	Err      error
	Duration time.Duration
}

func (o *Outcome) String() string {
	return fmt.Sprintf("Outcome[Job=%d, Server=%d, Session=%s, Status=%s, Phase=%s, Abandoned=%v, Err=%v, Duration=%v]",
		o.JobID, o.ServerID, o.SessionName, o.Status, o.Phase, o.Abandoned, o.Err, o.Duration)
}

// MonitorOptions configures the local and remote paths used by a Monitor and the timing of completion polling.
type MonitorOptions struct {
	LocalDataDir       string
	LocalProjectsDir   string
	LocalReturnDir     string
	RemoteDataRoot     string
	RemoteProjectsRoot string

	PollInterval time.Duration
	GracePeriod  time.Duration
}

// Executor runs a job that has resources reserved on a server until it reaches a terminal state.
type Executor interface {
	Run(ctx context.Context, server scheduling.Server, job *scheduling.Job) *Outcome
}

// Monitor drives one job through file synchronization, launch, completion polling and result retrieval, and then
// releases the job's resources on its server.
type Monitor struct {
	log logger.Logger

	syncer   scheduling.RemoteSyncer
	sessions scheduling.SessionManager
	archive  ResultArchive // archive is optional.

	opts MonitorOptions
}

// NewMonitor creates a new Monitor. The archive may be nil.
func NewMonitor(syncer scheduling.RemoteSyncer, sessions scheduling.SessionManager, archive ResultArchive,
	opts MonitorOptions) *Monitor {

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	monitor := &Monitor{
		syncer:   syncer,
		sessions: sessions,
		archive:  archive,
		opts:     opts,
	}
	config.InitLogger(&monitor.log, monitor)

	return monitor
}

// Run executes the job on the server. The job's resources must already be reserved on the server.
//
// If synchronization or result retrieval fails, the job's resources are released and the job is marked failed. A
// launch error only fails the job once the session is confirmed absent; a session that started despite the error is
// monitored as usual. If ctx is cancelled while the job is running, Run returns an abandoned Outcome and the resources remain
// reserved.
func (m *Monitor) Run(ctx context.Context, server scheduling.Server, job *scheduling.Job) *Outcome {
	span, ctx := opentracing.StartSpanFromContext(ctx, "execute-job")
	span.SetTag("job_id", job.ID)
	span.SetTag("server_id", server.ID())
	defer span.Finish()

	outcome := &Outcome{
		JobID:    job.ID,
		ServerID: server.ID(),
		Phase:    PhaseSync,
	}

	startTime := time.Now()
	defer func() {
		outcome.Duration = time.Since(startTime)
		span.SetTag("status", outcome.Status.String())
		span.SetTag("phase", outcome.Phase.String())
	}()

	style := utils.StyleForTag(server.Tag())
	m.log.Info(style.Render("Job %d started on server %d."), job.ID, server.ID())

	localResults := filepath.Join(m.opts.LocalReturnDir, strconv.Itoa(job.ID))
	if err := os.RemoveAll(localResults); err != nil {
		m.log.Warn("Failed to remove stale results of job %d at \"%s\": %v", job.ID, localResults, err)
	}

	if err := m.push(ctx, server, job); err != nil {
		return m.fail(server, job, outcome, fmt.Errorf("%w: %w", ErrSyncFailed, err))
	}

	outcome.Phase = PhaseLaunch
	outcome.SessionName = SessionName(job.ID)
	job.SetStatus(scheduling.JobRunning)

	projectDir := RemoteProjectDir(m.opts.RemoteProjectsRoot, job)
	script := BuildLaunchScript(job, server.ID(), projectDir)
	if launchErr := m.launch(ctx, server, outcome.SessionName, script); launchErr != nil {
		started, err := m.acknowledgeLaunch(ctx, server, job, outcome.SessionName, launchErr)
		if err != nil {
			return m.abandon(server, job, outcome, err)
		}

		if !started {
			return m.fail(server, job, outcome, fmt.Errorf("%w: %w", ErrLaunchFailed, launchErr))
		}
	}

	outcome.Phase = PhasePolling
	if err := m.awaitCompletion(ctx, server, job, outcome.SessionName); err != nil {
		return m.abandon(server, job, outcome, err)
	}

	outcome.Phase = PhaseRetrieval
	if err := m.retrieve(ctx, server, job, localResults); err != nil {
		return m.fail(server, job, outcome, fmt.Errorf("%w: %w", ErrResultRetrievalFailed, err))
	}

	if m.archive != nil {
		if err := m.archive.Archive(ctx, job.ID, localResults); err != nil {
			m.log.Warn(utils.OrangeStyle.Render("Failed to archive results of job %d: %v"), job.ID, err)
		}
	}

	m.release(server, job)
	job.SetStatus(scheduling.JobDone)

	outcome.Phase = PhaseComplete
	outcome.Status = scheduling.JobDone
	m.log.Info(style.Render("Job %d ended on server %d."), job.ID, server.ID())

	return outcome
}

func (m *Monitor) push(ctx context.Context, server scheduling.Server, job *scheduling.Job) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "sync-job-files")
	defer span.Finish()

	dataDir := filepath.Join(m.opts.LocalDataDir, job.DataFolder)
	if err := m.syncer.Push(ctx, server.Address(), dataDir, m.opts.RemoteDataRoot, SyncExcludes); err != nil {
		return errors.Wrapf(err, "failed to push data folder \"%s\"", dataDir)
	}

	projectDir := filepath.Join(m.opts.LocalProjectsDir, job.ProjectFolder)
	if err := m.syncer.Push(ctx, server.Address(), projectDir, m.opts.RemoteProjectsRoot, SyncExcludes); err != nil {
		return errors.Wrapf(err, "failed to push project folder \"%s\"", projectDir)
	}

	return nil
}

func (m *Monitor) launch(ctx context.Context, server scheduling.Server, sessionName string, script string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "launch-job-session")
	span.SetTag("session", sessionName)
	defer span.Finish()

	m.log.Debug("Launching session \"%s\" on server %d: %s", sessionName, server.ID(), script)

	return m.sessions.LaunchDetached(ctx, server.Address(), sessionName, script)
}

// acknowledgeLaunch checks whether a session whose launch reported an error is running anyway, e.g., because the
// connection dropped after the session was started. The launch is only considered failed if two observations,
// separated by the grace period, find the session inactive. A session whose state cannot be determined is treated as
// started, so its resources stay reserved until polling observes it gone.
//
// acknowledgeLaunch only returns an error if ctx is done.
func (m *Monitor) acknowledgeLaunch(ctx context.Context, server scheduling.Server, job *scheduling.Job, sessionName string,
	launchErr error) (bool, error) {

	m.log.Warn(utils.OrangeStyle.Render("Launch of session \"%s\" for job %d on server %d reported an error: %v. "+
		"Checking whether the session started."), sessionName, job.ID, server.ID(), launchErr)

	if m.sessionState(ctx, server, sessionName) != scheduling.SessionInactive {
		m.log.Warn(utils.OrangeStyle.Render("Session \"%s\" of job %d may be running. Monitoring it as usual."),
			sessionName, job.ID)
		return true, nil
	}

	if err := sleep(ctx, m.opts.GracePeriod); err != nil {
		return false, err
	}

	if m.sessionState(ctx, server, sessionName) != scheduling.SessionInactive {
		m.log.Warn(utils.OrangeStyle.Render("Session \"%s\" of job %d appeared after the grace period. Monitoring it as usual."),
			sessionName, job.ID)
		return true, nil
	}

	return false, nil
}

// awaitCompletion returns nil once two consecutive observations, separated by the grace period, find the session
// inactive. A session whose state cannot be determined is treated as still running. awaitCompletion only returns an
// error if ctx is done.
func (m *Monitor) awaitCompletion(ctx context.Context, server scheduling.Server, job *scheduling.Job, sessionName string) error {
	for {
		if err := sleep(ctx, m.opts.PollInterval); err != nil {
			return err
		}

		if m.sessionState(ctx, server, sessionName) != scheduling.SessionInactive {
			continue
		}

		if err := sleep(ctx, m.opts.GracePeriod); err != nil {
			return err
		}

		if m.sessionState(ctx, server, sessionName) == scheduling.SessionInactive {
			return nil
		}

		m.log.Debug("Session \"%s\" of job %d reappeared after the grace period.", sessionName, job.ID)
	}
}

func (m *Monitor) sessionState(ctx context.Context, server scheduling.Server, sessionName string) scheduling.SessionState {
	state, err := m.sessions.SessionState(ctx, server.Address(), sessionName)
	if err != nil {
		m.log.Warn("Failed to query session \"%s\" on server %d: %v", sessionName, server.ID(), err)
		return scheduling.SessionUnknown
	}

	return state
}

func (m *Monitor) retrieve(ctx context.Context, server scheduling.Server, job *scheduling.Job, localResults string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "retrieve-job-results")
	defer span.Finish()

	remoteResults := RemoteResultsDir(m.opts.RemoteProjectsRoot, job)
	if err := m.syncer.Pull(ctx, server.Address(), remoteResults, localResults); err != nil {
		return errors.Wrapf(err, "failed to pull \"%s\"", remoteResults)
	}

	return nil
}

func (m *Monitor) fail(server scheduling.Server, job *scheduling.Job, outcome *Outcome, err error) *Outcome {
	m.log.Error(utils.RedStyle.Render("Job %d failed on server %d during %s: %v"), job.ID, server.ID(), outcome.Phase, err)

	m.release(server, job)
	job.SetStatus(scheduling.JobFailed)

	outcome.Status = scheduling.JobFailed
	outcome.Err = err
	return outcome
}

func (m *Monitor) abandon(server scheduling.Server, job *scheduling.Job, outcome *Outcome, err error) *Outcome {
	m.log.Warn(utils.OrangeStyle.Render("Stopped monitoring job %d on server %d: %v. Its resources remain reserved."),
		job.ID, server.ID(), err)

	outcome.Status = job.Status()
	outcome.Abandoned = true
	outcome.Err = fmt.Errorf("%w: %w", ErrExecutionAbandoned, err)
	return outcome
}

func (m *Monitor) release(server scheduling.Server, job *scheduling.Job) {
	if err := server.Release(job.ID); err != nil {
		m.log.Error("Failed to release resources of job %d on server %d: %v", job.ID, server.ID(), err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
