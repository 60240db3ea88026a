package status

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/scusemua/fleet-scheduler/common/scheduling"
)

// InFlightJob is a job whose execution has not yet produced an outcome.
type InFlightJob struct {
	JobID     int
	ServerID  int
	StartedAt time.Time
}

// Report is a point-in-time view of the fleet.
type Report struct {
	GeneratedAt time.Time

	Servers []scheduling.ServerSnapshot

	QueueLength int
	InFlight    []InFlightJob

	// RejectedJobIDs lists the most recent jobs that were rejected without being run, oldest first.
	RejectedJobIDs []int

	// MalformedDescriptors counts the descriptors that could not be parsed since the controller started.
	MalformedDescriptors int
}

// Reporter produces Reports. It must be safe to call from any goroutine.
type Reporter interface {
	Report() Report
}

// RenderPlaintext writes the report as human-readable text.
func RenderPlaintext(w io.Writer, report Report) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Fleet status at %s\n", report.GeneratedAt.Format(time.RFC3339))

	for _, server := range report.Servers {
		fmt.Fprintf(&b, "\nServer %d\n", server.ID)
		fmt.Fprintf(&b, "  power: %s\n", server.PowerState)
		fmt.Fprintf(&b, "  healthy: %v\n", server.Healthy)
		fmt.Fprintf(&b, "  available_CPU: %d/%d (%s%% used)\n", server.AvailableCPU, server.TotalCPU,
			server.CPUUtilization.StringFixed(2))
		fmt.Fprintf(&b, "  available_RAM: %d/%d (%s%% used)\n", server.AvailableRAM, server.TotalRAM,
			server.RAMUtilization.StringFixed(2))
		fmt.Fprintf(&b, "  idle_cycles: %d\n", server.IdleCycles)
		fmt.Fprintf(&b, "  running_jobs: %s\n", formatIDs(server.AssignedJobIDs))
	}

	fmt.Fprintf(&b, "\nJobs in queue: %d\n", report.QueueLength)

	fmt.Fprintf(&b, "Jobs in flight: %d\n", len(report.InFlight))
	for _, job := range report.InFlight {
		fmt.Fprintf(&b, "  job %d on server %d for %s\n", job.JobID, job.ServerID,
			report.GeneratedAt.Sub(job.StartedAt).Truncate(time.Second))
	}

	fmt.Fprintf(&b, "Rejected jobs: %s\n", formatIDs(report.RejectedJobIDs))
	fmt.Fprintf(&b, "Malformed descriptors: %d\n", report.MalformedDescriptors)

	_, err := io.WriteString(w, b.String())
	return err
}

func formatIDs(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprint(id))
	}

	return "[" + strings.Join(parts, ", ") + "]"
}
