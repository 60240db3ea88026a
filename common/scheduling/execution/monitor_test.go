package execution_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"github.com/scusemua/fleet-scheduler/common/scheduling/entity"
	"github.com/scusemua/fleet-scheduler/common/scheduling/execution"
	"github.com/scusemua/fleet-scheduler/common/scheduling/mock_scheduling"
	fleetTesting "github.com/scusemua/fleet-scheduler/common/testing"
	"go.uber.org/mock/gomock"
)

const (
	serverAddress = "10.0.0.1"
)

type recordingArchive struct {
	mu       sync.Mutex
	archived map[int]string
	err      error
}

func (a *recordingArchive) Archive(_ context.Context, jobID int, localDir string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.archived == nil {
		a.archived = make(map[int]string)
	}
	a.archived[jobID] = localDir

	return a.err
}

var _ = Describe("Monitor", func() {
	var (
		mockCtrl     *gomock.Controller
		syncer       *mock_scheduling.MockRemoteSyncer
		sessions     *mock_scheduling.MockSessionManager
		archive      *recordingArchive
		server       *entity.Server
		job          *scheduling.Job
		opts         execution.MonitorOptions
		monitor      *execution.Monitor
		localResults string
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		syncer = mock_scheduling.NewMockRemoteSyncer(mockCtrl)
		sessions = mock_scheduling.NewMockSessionManager(mockCtrl)
		archive = &recordingArchive{}

		var err error
		server, err = fleetTesting.NewServerInState(entity.ServerSpec{
			ID:                1,
			Address:           serverAddress,
			ManagementAddress: "10.0.1.1",
			CPU:               16,
			RAM:               64,
			Tag:               "green",
		}, scheduling.PowerOn, fleetTesting.NewFakeManagementEndpoint(), fleetTesting.NewFakeSessionManager())
		Expect(err).To(BeNil())

		job = scheduling.NewJob(7, "projects/mnist", "mnist_data", "train.py", nil,
			scheduling.ResourceRequest{CPU: 4, RAM: 16})
		Expect(server.TryReserve(job)).To(BeTrue())

		returnDir := GinkgoT().TempDir()
		localResults = filepath.Join(returnDir, "7")

		opts = execution.MonitorOptions{
			LocalDataDir:       "/srv/data",
			LocalProjectsDir:   "/srv/projects",
			LocalReturnDir:     returnDir,
			RemoteDataRoot:     "/home/fleet/data",
			RemoteProjectsRoot: "/home/fleet/projects",
			PollInterval:       5 * time.Millisecond,
			GracePeriod:        5 * time.Millisecond,
		}
		monitor = execution.NewMonitor(syncer, sessions, archive, opts)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	expectPushes := func() {
		syncer.EXPECT().Push(gomock.Any(), serverAddress, "/srv/data/mnist_data", "/home/fleet/data",
			execution.SyncExcludes).Return(nil)
		syncer.EXPECT().Push(gomock.Any(), serverAddress, "/srv/projects/projects/mnist", "/home/fleet/projects",
			execution.SyncExcludes).Return(nil)
	}

	expectReleased := func() {
		Expect(server.AvailableCPU()).To(Equal(16))
		Expect(server.AvailableRAM()).To(Equal(64))
		Expect(server.NumAssignedJobs()).To(Equal(0))
	}

	It("Will run a job to completion, retrieve its results and release its resources", func() {
		Expect(os.MkdirAll(localResults, 0o750)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(localResults, "stale.txt"), []byte("stale"), 0o640)).To(Succeed())

		var sessionName string
		expectPushes()
		sessions.EXPECT().LaunchDetached(gomock.Any(), serverAddress, gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, name string, script string) error {
				sessionName = name
				Expect(script).To(ContainSubstring("cd /home/fleet/projects/mnist"))
				Expect(job.Status()).To(Equal(scheduling.JobRunning))
				return nil
			})
		gomock.InOrder(
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionActive, nil),
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
		)
		syncer.EXPECT().Pull(gomock.Any(), serverAddress, "/home/fleet/projects/mnist/return_data/7", localResults).
			DoAndReturn(func(_ context.Context, _ string, _ string, _ string) error {
				_, err := os.Stat(filepath.Join(localResults, "stale.txt"))
				Expect(os.IsNotExist(err)).To(BeTrue())
				return nil
			})

		outcome := monitor.Run(context.Background(), server, job)
		Expect(outcome.Err).To(BeNil())
		Expect(outcome.Status).To(Equal(scheduling.JobDone))
		Expect(outcome.Phase).To(Equal(execution.PhaseComplete))
		Expect(outcome.Abandoned).To(BeFalse())
		Expect(outcome.SessionName).To(Equal(sessionName))
		Expect(outcome.SessionName).To(HavePrefix("job-7-"))
		Expect(job.Status()).To(Equal(scheduling.JobDone))
		Expect(archive.archived).To(HaveKeyWithValue(7, localResults))

		expectReleased()
	})

	It("Will not declare completion when the session reappears during the grace period", func() {
		expectPushes()
		sessions.EXPECT().LaunchDetached(gomock.Any(), serverAddress, gomock.Any(), gomock.Any()).Return(nil)

		gomock.InOrder(
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).
				DoAndReturn(func(_ context.Context, _ string, _ string) (scheduling.SessionState, error) {
					Expect(job.Status()).To(Equal(scheduling.JobRunning))
					Expect(server.NumAssignedJobs()).To(Equal(1))
					return scheduling.SessionActive, nil
				}),
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionActive, nil),
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
			syncer.EXPECT().Pull(gomock.Any(), serverAddress, gomock.Any(), localResults).Return(nil),
		)

		outcome := monitor.Run(context.Background(), server, job)
		Expect(outcome.Status).To(Equal(scheduling.JobDone))
		expectReleased()
	})

	It("Will treat a session whose state cannot be determined as still running", func() {
		expectPushes()
		sessions.EXPECT().LaunchDetached(gomock.Any(), serverAddress, gomock.Any(), gomock.Any()).Return(nil)

		gomock.InOrder(
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).
				Return(scheduling.SessionUnknown, errors.New("connection reset")),
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).
				Return(scheduling.SessionUnknown, errors.New("connection reset")),
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionUnknown, nil),
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
			syncer.EXPECT().Pull(gomock.Any(), serverAddress, gomock.Any(), localResults).Return(nil),
		)

		outcome := monitor.Run(context.Background(), server, job)
		Expect(outcome.Status).To(Equal(scheduling.JobDone))
	})

	It("Will fail the job and release its resources immediately if synchronization fails", func() {
		syncer.EXPECT().Push(gomock.Any(), serverAddress, gomock.Any(), gomock.Any(), gomock.Any()).
			Return(errors.New("rsync: connection refused"))

		outcome := monitor.Run(context.Background(), server, job)
		Expect(errors.Is(outcome.Err, execution.ErrSyncFailed)).To(BeTrue())
		Expect(outcome.Status).To(Equal(scheduling.JobFailed))
		Expect(outcome.Phase).To(Equal(execution.PhaseSync))
		Expect(job.Status()).To(Equal(scheduling.JobFailed))
		Expect(outcome.SessionName).To(Equal(""))

		expectReleased()
	})

	Context("when the launch reports an error", func() {
		It("Will fail the job and release its resources once the session is confirmed absent", func() {
			expectPushes()
			sessions.EXPECT().LaunchDetached(gomock.Any(), serverAddress, gomock.Any(), gomock.Any()).
				Return(errors.New("ssh: handshake failed"))
			gomock.InOrder(
				sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).
					DoAndReturn(func(_ context.Context, _ string, _ string) (scheduling.SessionState, error) {
						Expect(server.AssignedJobIDs()).To(ContainElement(7))
						return scheduling.SessionInactive, nil
					}),
				sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).
					DoAndReturn(func(_ context.Context, _ string, _ string) (scheduling.SessionState, error) {
						Expect(server.AssignedJobIDs()).To(ContainElement(7))
						return scheduling.SessionInactive, nil
					}),
			)

			outcome := monitor.Run(context.Background(), server, job)
			Expect(errors.Is(outcome.Err, execution.ErrLaunchFailed)).To(BeTrue())
			Expect(outcome.Status).To(Equal(scheduling.JobFailed))
			Expect(outcome.Phase).To(Equal(execution.PhaseLaunch))
			Expect(job.Status()).To(Equal(scheduling.JobFailed))

			expectReleased()
		})

		It("Will keep the resources reserved and monitor a session that started anyway", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			expectPushes()
			sessions.EXPECT().LaunchDetached(gomock.Any(), serverAddress, gomock.Any(), gomock.Any()).
				Return(errors.New("ssh: connection lost"))

			polls := 0
			sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).
				DoAndReturn(func(_ context.Context, _ string, _ string) (scheduling.SessionState, error) {
					polls += 1
					if polls == 3 {
						cancel()
					}
					return scheduling.SessionActive, nil
				}).MinTimes(3)

			outcome := monitor.Run(ctx, server, job)
			Expect(outcome.Abandoned).To(BeTrue())
			Expect(errors.Is(outcome.Err, execution.ErrLaunchFailed)).To(BeFalse())
			Expect(outcome.Phase).To(Equal(execution.PhasePolling))
			Expect(outcome.Status).To(Equal(scheduling.JobRunning))

			Expect(server.AssignedJobIDs()).To(ContainElement(7))
			Expect(server.AvailableCPU()).To(Equal(12))
			Expect(server.AvailableRAM()).To(Equal(48))
		})

		It("Will run the job to completion if the session appears during the grace period", func() {
			expectPushes()
			sessions.EXPECT().LaunchDetached(gomock.Any(), serverAddress, gomock.Any(), gomock.Any()).
				Return(errors.New("ssh: connection lost"))
			gomock.InOrder(
				sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
				sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionActive, nil),
				sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
				sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
				syncer.EXPECT().Pull(gomock.Any(), serverAddress, gomock.Any(), localResults).Return(nil),
			)

			outcome := monitor.Run(context.Background(), server, job)
			Expect(outcome.Err).To(BeNil())
			Expect(outcome.Status).To(Equal(scheduling.JobDone))
			expectReleased()
		})

		It("Will treat a session whose state cannot be determined as started", func() {
			expectPushes()
			sessions.EXPECT().LaunchDetached(gomock.Any(), serverAddress, gomock.Any(), gomock.Any()).
				Return(errors.New("ssh: connection lost"))
			gomock.InOrder(
				sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).
					Return(scheduling.SessionUnknown, errors.New("connection reset")),
				sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
				sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).Return(scheduling.SessionInactive, nil),
				syncer.EXPECT().Pull(gomock.Any(), serverAddress, gomock.Any(), localResults).Return(nil),
			)

			outcome := monitor.Run(context.Background(), server, job)
			Expect(outcome.Status).To(Equal(scheduling.JobDone))
			expectReleased()
		})
	})

	It("Will fail the job and release its resources if its results cannot be retrieved", func() {
		expectPushes()
		sessions.EXPECT().LaunchDetached(gomock.Any(), serverAddress, gomock.Any(), gomock.Any()).Return(nil)
		sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).
			Return(scheduling.SessionInactive, nil).Times(2)
		syncer.EXPECT().Pull(gomock.Any(), serverAddress, gomock.Any(), localResults).
			Return(errors.New("scp: no such file or directory"))

		outcome := monitor.Run(context.Background(), server, job)
		Expect(errors.Is(outcome.Err, execution.ErrResultRetrievalFailed)).To(BeTrue())
		Expect(outcome.Status).To(Equal(scheduling.JobFailed))
		Expect(outcome.Phase).To(Equal(execution.PhaseRetrieval))
		Expect(archive.archived).To(BeEmpty())

		expectReleased()
	})

	It("Will complete the job even if its results cannot be archived", func() {
		archive.err = errors.New("access denied")

		expectPushes()
		sessions.EXPECT().LaunchDetached(gomock.Any(), serverAddress, gomock.Any(), gomock.Any()).Return(nil)
		sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).
			Return(scheduling.SessionInactive, nil).Times(2)
		syncer.EXPECT().Pull(gomock.Any(), serverAddress, gomock.Any(), localResults).Return(nil)

		outcome := monitor.Run(context.Background(), server, job)
		Expect(outcome.Status).To(Equal(scheduling.JobDone))
		expectReleased()
	})

	It("Will abandon the job and keep its resources reserved when cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		expectPushes()
		sessions.EXPECT().LaunchDetached(gomock.Any(), serverAddress, gomock.Any(), gomock.Any()).Return(nil)

		polls := 0
		sessions.EXPECT().SessionState(gomock.Any(), serverAddress, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, _ string) (scheduling.SessionState, error) {
				polls += 1
				if polls == 3 {
					cancel()
				}
				return scheduling.SessionActive, nil
			}).MinTimes(3)

		outcome := monitor.Run(ctx, server, job)
		Expect(outcome.Abandoned).To(BeTrue())
		Expect(errors.Is(outcome.Err, execution.ErrExecutionAbandoned)).To(BeTrue())
		Expect(errors.Is(outcome.Err, context.Canceled)).To(BeTrue())
		Expect(outcome.Status).To(Equal(scheduling.JobRunning))
		Expect(outcome.Phase).To(Equal(execution.PhasePolling))

		Expect(server.AssignedJobIDs()).To(Equal([]int{7}))
		Expect(server.AvailableCPU()).To(Equal(12))
	})
})
