package scheduling_test

import (
	"github.com/scusemua/fleet-scheduler/common/scheduling"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Power state transitions", func() {
	DescribeTable("NextPowerState",
		func(current scheduling.PowerState, reading scheduling.RawPowerReading, probeOK bool, expected scheduling.PowerState) {
			Expect(scheduling.NextPowerState(current, reading, probeOK)).To(Equal(expected))
		},
		Entry("off reading completes a shutdown", scheduling.PowerShuttingDown, scheduling.RawOff, false, scheduling.PowerOff),
		Entry("off reading resolves an unknown server", scheduling.PowerUnknown, scheduling.RawOff, false, scheduling.PowerOff),
		Entry("off reading keeps an off server off", scheduling.PowerOff, scheduling.RawOff, false, scheduling.PowerOff),
		Entry("off reading leaves an on server on", scheduling.PowerOn, scheduling.RawOff, false, scheduling.PowerOn),
		Entry("off reading leaves a starting server starting", scheduling.PowerStartingUp, scheduling.RawOff, false, scheduling.PowerStartingUp),
		Entry("off reading leaves a transitioning server transitioning", scheduling.PowerTransitioning, scheduling.RawOff, false, scheduling.PowerTransitioning),

		Entry("on reading completes a startup", scheduling.PowerStartingUp, scheduling.RawOn, true, scheduling.PowerOn),
		Entry("on reading turns an off server on", scheduling.PowerOff, scheduling.RawOn, true, scheduling.PowerOn),
		Entry("on reading resolves an unknown server", scheduling.PowerUnknown, scheduling.RawOn, true, scheduling.PowerOn),
		Entry("on reading settles a transitioning server", scheduling.PowerTransitioning, scheduling.RawOn, true, scheduling.PowerOn),
		Entry("on reading keeps an on server on", scheduling.PowerOn, scheduling.RawOn, true, scheduling.PowerOn),
		Entry("on reading does not interrupt a shutdown", scheduling.PowerShuttingDown, scheduling.RawOn, true, scheduling.PowerShuttingDown),

		Entry("failed probe from on", scheduling.PowerOn, scheduling.RawOn, false, scheduling.PowerTransitioning),
		Entry("failed probe from starting up", scheduling.PowerStartingUp, scheduling.RawOn, false, scheduling.PowerTransitioning),
		Entry("failed probe from shutting down", scheduling.PowerShuttingDown, scheduling.RawOn, false, scheduling.PowerTransitioning),
		Entry("failed probe from unknown", scheduling.PowerUnknown, scheduling.RawOn, false, scheduling.PowerTransitioning),
		Entry("failed probe from off", scheduling.PowerOff, scheduling.RawOn, false, scheduling.PowerTransitioning),
		Entry("failed probe from transitioning", scheduling.PowerTransitioning, scheduling.RawOn, false, scheduling.PowerTransitioning),
	)

	It("should name every power state", func() {
		Expect(scheduling.PowerOn.String()).To(Equal("on"))
		Expect(scheduling.PowerShuttingDown.String()).To(Equal("shutting down"))
		Expect(scheduling.PowerState(42).String()).To(Equal("PowerState(42)"))
		Expect(scheduling.RawOn.String()).To(Equal("On"))
		Expect(scheduling.RawOff.String()).To(Equal("Off"))
	})
})
