package entity_test

import (
	"context"
	"errors"
	"sync"

	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"github.com/scusemua/fleet-scheduler/common/scheduling/entity"
	"github.com/scusemua/fleet-scheduler/common/scheduling/mock_scheduling"
	fleetTesting "github.com/scusemua/fleet-scheduler/common/testing"
	"github.com/shopspring/decimal"
	"go.uber.org/mock/gomock"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func newJob(id int, cpu int, ram int) *scheduling.Job {
	return scheduling.NewJob(id, "proj", "data", "main.py", nil, scheduling.ResourceRequest{CPU: cpu, RAM: ram})
}

// expectLedgerConsistent checks that the reserved resources of the assigned jobs account for all used capacity.
func expectLedgerConsistent(server *entity.Server, requests map[int]scheduling.ResourceRequest) {
	usedCPU, usedRAM := 0, 0
	for _, id := range server.AssignedJobIDs() {
		request, ok := requests[id]
		Expect(ok).To(BeTrue())
		usedCPU += request.CPU
		usedRAM += request.RAM
	}

	Expect(server.AvailableCPU()).To(BeNumerically(">=", 0))
	Expect(server.AvailableRAM()).To(BeNumerically(">=", 0))
	Expect(server.AvailableCPU()).To(BeNumerically("<=", server.TotalCPU()))
	Expect(server.AvailableRAM()).To(BeNumerically("<=", server.TotalRAM()))
	Expect(server.TotalCPU() - server.AvailableCPU()).To(Equal(usedCPU))
	Expect(server.TotalRAM() - server.AvailableRAM()).To(Equal(usedRAM))
}

var _ = Describe("Server", func() {
	var (
		spec     entity.ServerSpec
		endpoint *fleetTesting.FakeManagementEndpoint
		sessions *fleetTesting.FakeSessionManager
		ctx      context.Context
	)

	BeforeEach(func() {
		spec = entity.ServerSpec{
			ID:                1,
			Address:           "10.0.0.1",
			ManagementAddress: "10.0.1.1",
			CPU:               32,
			RAM:               128,
			Tag:               "blue",
		}
		endpoint = fleetTesting.NewFakeManagementEndpoint()
		sessions = fleetTesting.NewFakeSessionManager()
		ctx = context.Background()
	})

	Context("Capacity ledger", func() {
		var server *entity.Server

		BeforeEach(func() {
			server = entity.NewServer(spec, endpoint, sessions)
		})

		It("should start with all capacity available", func() {
			Expect(server.AvailableCPU()).To(Equal(32))
			Expect(server.AvailableRAM()).To(Equal(128))
			Expect(server.PowerState()).To(Equal(scheduling.PowerUnknown))
			Expect(server.Healthy()).To(BeTrue())
			Expect(server.NumAssignedJobs()).To(Equal(0))
		})

		It("should reserve and release resources", func() {
			job := newJob(7, 10, 100)

			Expect(server.TryReserve(job)).To(BeTrue())
			Expect(server.AvailableCPU()).To(Equal(22))
			Expect(server.AvailableRAM()).To(Equal(28))
			Expect(server.AssignedJobIDs()).To(Equal([]int{7}))

			Expect(server.Release(7)).To(Succeed())
			Expect(server.AvailableCPU()).To(Equal(32))
			Expect(server.AvailableRAM()).To(Equal(128))
			Expect(server.AssignedJobIDs()).To(BeEmpty())
		})

		It("should reject a reservation that does not fit", func() {
			Expect(server.TryReserve(newJob(1, 33, 1))).To(BeFalse())
			Expect(server.TryReserve(newJob(2, 1, 129))).To(BeFalse())
			Expect(server.AvailableCPU()).To(Equal(32))
			Expect(server.AvailableRAM()).To(Equal(128))
		})

		It("should accept a reservation of exactly the available capacity", func() {
			Expect(server.TryReserve(newJob(1, 32, 128))).To(BeTrue())
			Expect(server.AvailableCPU()).To(Equal(0))
			Expect(server.AvailableRAM()).To(Equal(0))
			Expect(server.TryReserve(newJob(2, 0, 1))).To(BeFalse())
		})

		It("should reject a second reservation for the same job", func() {
			job := newJob(1, 1, 1)

			Expect(server.TryReserve(job)).To(BeTrue())
			Expect(server.TryReserve(job)).To(BeFalse())
			Expect(server.AvailableCPU()).To(Equal(31))
		})

		It("should refuse to release an unknown job without changing capacity", func() {
			Expect(server.TryReserve(newJob(1, 4, 4))).To(BeTrue())

			err := server.Release(99)
			Expect(errors.Is(err, scheduling.ErrJobNotAssigned)).To(BeTrue())
			Expect(server.AvailableCPU()).To(Equal(28))
			Expect(server.AvailableRAM()).To(Equal(124))

			Expect(server.Release(1)).To(Succeed())
			Expect(errors.Is(server.Release(1), scheduling.ErrJobNotAssigned)).To(BeTrue())
			Expect(server.AvailableCPU()).To(Equal(32))
		})

		It("should keep the ledger consistent under concurrent reservations and releases", func() {
			requests := make(map[int]scheduling.ResourceRequest)
			jobs := make([]*scheduling.Job, 0, 64)
			for i := 0; i < 64; i++ {
				job := newJob(i, 1+i%3, 1+i%5)
				jobs = append(jobs, job)
				requests[job.ID] = job.Request
			}

			var wg sync.WaitGroup
			for _, job := range jobs {
				wg.Add(1)
				go func(job *scheduling.Job) {
					defer wg.Done()
					defer GinkgoRecover()

					if server.TryReserve(job) && job.ID%2 == 0 {
						Expect(server.Release(job.ID)).To(Succeed())
					}
				}(job)
			}
			wg.Wait()

			expectLedgerConsistent(server, requests)

			for _, id := range server.AssignedJobIDs() {
				Expect(server.Release(id)).To(Succeed())
			}
			Expect(server.AvailableCPU()).To(Equal(32))
			Expect(server.AvailableRAM()).To(Equal(128))
		})

		It("should report utilization in its snapshot", func() {
			Expect(server.TryReserve(newJob(3, 8, 32))).To(BeTrue())
			Expect(server.TryReserve(newJob(1, 8, 32))).To(BeTrue())

			snapshot := server.Snapshot()
			Expect(snapshot.ID).To(Equal(1))
			Expect(snapshot.Tag).To(Equal("blue"))
			Expect(snapshot.AvailableCPU).To(Equal(16))
			Expect(snapshot.AvailableRAM).To(Equal(64))
			Expect(snapshot.AssignedJobIDs).To(Equal([]int{1, 3}))
			Expect(snapshot.CPUUtilization.Equal(decimal.NewFromInt(50))).To(BeTrue())
			Expect(snapshot.RAMUtilization.Equal(decimal.NewFromInt(50))).To(BeTrue())
		})
	})

	Context("Power lifecycle", func() {
		It("should reconcile an unknown server to off", func() {
			server := entity.NewServer(spec, endpoint, sessions)

			Expect(server.Reconcile(ctx)).To(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerOff))
		})

		It("should reconcile to transitioning when the OS does not answer", func() {
			server := entity.NewServer(spec, endpoint, sessions)
			endpoint.SetReading(spec.ManagementAddress, scheduling.RawOn)
			sessions.SetReachable(spec.Address, false)

			Expect(server.Reconcile(ctx)).To(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerTransitioning))

			sessions.SetReachable(spec.Address, true)
			Expect(server.Reconcile(ctx)).To(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerOn))
		})

		It("should keep its state when the management endpoint fails", func() {
			server, err := fleetTesting.NewServerInState(spec, scheduling.PowerOn, endpoint, sessions)
			Expect(err).To(BeNil())

			endpoint.SetFailure(spec.ManagementAddress, errors.New("BMC unreachable"))
			Expect(server.Reconcile(ctx)).ToNot(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerOn))
		})

		It("should start an off server and move it to on once the OS answers", func() {
			server, err := fleetTesting.NewServerInState(spec, scheduling.PowerOff, endpoint, sessions)
			Expect(err).To(BeNil())

			Expect(server.Start(ctx)).To(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerStartingUp))
			Expect(endpoint.PowerOnRequests(spec.ManagementAddress)).To(Equal(1))

			Expect(server.Reconcile(ctx)).To(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerOn))
		})

		It("should refuse to start a server that is not off", func() {
			for _, state := range []scheduling.PowerState{scheduling.PowerOn, scheduling.PowerStartingUp,
				scheduling.PowerTransitioning, scheduling.PowerShuttingDown} {

				server, err := fleetTesting.NewServerInState(spec, state, fleetTesting.NewFakeManagementEndpoint(),
					fleetTesting.NewFakeSessionManager())
				Expect(err).To(BeNil())

				err = server.Start(ctx)
				Expect(errors.Is(err, scheduling.ErrIllegalPowerTransition)).To(BeTrue())
				Expect(server.PowerState()).To(Equal(state))
			}
		})

		It("should refuse to start an unhealthy server", func() {
			server, err := fleetTesting.NewServerInState(spec, scheduling.PowerOff, endpoint, sessions)
			Expect(err).To(BeNil())
			server.SetHealthy(false)

			Expect(errors.Is(server.Start(ctx), scheduling.ErrServerUnhealthy)).To(BeTrue())
			Expect(server.PowerState()).To(Equal(scheduling.PowerOff))
			Expect(endpoint.PowerOnRequests(spec.ManagementAddress)).To(Equal(0))
		})

		It("should roll back to off when the power-on request fails", func() {
			ctrl := gomock.NewController(GinkgoT())
			mockEndpoint := mock_scheduling.NewMockManagementEndpoint(ctrl)
			mockSessions := mock_scheduling.NewMockSessionManager(ctrl)

			mockEndpoint.EXPECT().PowerState(gomock.Any(), spec.ManagementAddress).Return(scheduling.RawOff, nil)
			mockEndpoint.EXPECT().PowerOn(gomock.Any(), spec.ManagementAddress).Return(errors.New("BMC refused"))

			server := entity.NewServer(spec, mockEndpoint, mockSessions)
			Expect(server.Reconcile(ctx)).To(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerOff))

			Expect(server.Start(ctx)).ToNot(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerOff))
		})

		It("should shut down through a privileged command", func() {
			server, err := fleetTesting.NewServerInState(spec, scheduling.PowerOn, endpoint, sessions)
			Expect(err).To(BeNil())

			Expect(server.Shutdown(ctx)).To(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerShuttingDown))
			Expect(sessions.SudoCommands(spec.Address)).To(Equal([]string{entity.ShutdownCommand}))

			// The OS still answers while shutting down.
			Expect(server.Reconcile(ctx)).To(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerShuttingDown))

			endpoint.SetReading(spec.ManagementAddress, scheduling.RawOff)
			Expect(server.Reconcile(ctx)).To(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerOff))
		})

		It("should not shut down a server that is already off", func() {
			server, err := fleetTesting.NewServerInState(spec, scheduling.PowerOff, endpoint, sessions)
			Expect(err).To(BeNil())

			Expect(server.Shutdown(ctx)).To(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerOff))
			Expect(sessions.SudoCommands(spec.Address)).To(BeEmpty())
		})

		It("should restore its state when the shutdown command fails", func() {
			ctrl := gomock.NewController(GinkgoT())
			mockEndpoint := mock_scheduling.NewMockManagementEndpoint(ctrl)
			mockSessions := mock_scheduling.NewMockSessionManager(ctrl)

			mockEndpoint.EXPECT().PowerState(gomock.Any(), spec.ManagementAddress).Return(scheduling.RawOn, nil)
			mockSessions.EXPECT().Run(gomock.Any(), spec.Address, gomock.Any()).Return(nil)
			mockSessions.EXPECT().Sudo(gomock.Any(), spec.Address, entity.ShutdownCommand).Return(errors.New("permission denied"))

			server := entity.NewServer(spec, mockEndpoint, mockSessions)
			Expect(server.Reconcile(ctx)).To(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerOn))

			Expect(server.Shutdown(ctx)).ToNot(Succeed())
			Expect(server.PowerState()).To(Equal(scheduling.PowerOn))
		})
	})

	Context("Idle accounting", func() {
		It("should report idleness once the threshold is exceeded", func() {
			server, err := fleetTesting.NewServerInState(spec, scheduling.PowerOn, endpoint, sessions)
			Expect(err).To(BeNil())

			Expect(server.RecordIdleTick(2)).To(BeFalse())
			Expect(server.IdleCycles()).To(Equal(1))
			Expect(server.RecordIdleTick(2)).To(BeFalse())
			Expect(server.IdleCycles()).To(Equal(2))
			Expect(server.RecordIdleTick(2)).To(BeTrue())
			Expect(server.IdleCycles()).To(Equal(0))
		})

		It("should reset the counter while jobs are assigned", func() {
			server, err := fleetTesting.NewServerInState(spec, scheduling.PowerOn, endpoint, sessions)
			Expect(err).To(BeNil())

			Expect(server.RecordIdleTick(2)).To(BeFalse())
			Expect(server.RecordIdleTick(2)).To(BeFalse())

			Expect(server.TryReserve(newJob(1, 1, 1))).To(BeTrue())
			Expect(server.IdleCycles()).To(Equal(0))
			Expect(server.RecordIdleTick(2)).To(BeFalse())
			Expect(server.IdleCycles()).To(Equal(0))

			Expect(server.Release(1)).To(Succeed())
			Expect(server.RecordIdleTick(2)).To(BeFalse())
			Expect(server.IdleCycles()).To(Equal(1))
		})

		It("should not count ticks while the server is not on", func() {
			server, err := fleetTesting.NewServerInState(spec, scheduling.PowerOff, endpoint, sessions)
			Expect(err).To(BeNil())

			for i := 0; i < 5; i++ {
				Expect(server.RecordIdleTick(2)).To(BeFalse())
			}
			Expect(server.IdleCycles()).To(Equal(0))
		})
	})
})
