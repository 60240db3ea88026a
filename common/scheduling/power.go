package scheduling

import "fmt"

// PowerState is the power lifecycle state of a Server as it is tracked by the controller.
//
// PowerState is reconciled once per controller tick against the raw reading reported by the Server's
// ManagementEndpoint and a liveness probe. See NextPowerState.
type PowerState int

const (
	// PowerUnknown is the initial state of every Server, before the first reconciliation.
	PowerUnknown PowerState = iota
	PowerOff
	// PowerStartingUp is applied locally when a power-on request is issued.
	PowerStartingUp
	PowerOn
	// PowerTransitioning means the management endpoint reports the Server as on, but the OS did not answer the
	// liveness probe. It is re-evaluated on every reconciliation and is not sticky.
	PowerTransitioning
	// PowerShuttingDown is applied locally when an OS-level shutdown is issued.
	PowerShuttingDown
)

var powerStateNames = [...]string{
	PowerUnknown:       "unknown",
	PowerOff:           "off",
	PowerStartingUp:    "starting up",
	PowerOn:            "on",
	PowerTransitioning: "transitioning",
	PowerShuttingDown:  "shutting down",
}

func (s PowerState) String() string {
	if s < 0 || int(s) >= len(powerStateNames) {
		return fmt.Sprintf("PowerState(%d)", int(s))
	}

	return powerStateNames[s]
}

// RawPowerReading is the power state reported by a ManagementEndpoint, independent of the OS.
type RawPowerReading int

const (
	RawOff RawPowerReading = iota
	RawOn
)

func (r RawPowerReading) String() string {
	if r == RawOn {
		return "On"
	}

	return "Off"
}

// NextPowerState returns the PowerState that a Server in the current state moves to, given the raw reading of its
// management endpoint and, for RawOn readings, whether the liveness probe succeeded.
//
// A RawOff reading only moves ShuttingDown and Unknown servers to Off. A RawOff reading while the server is believed
// to be On, StartingUp or Transitioning leaves the state unchanged.
//
// A RawOn reading with a failed probe moves the server to Transitioning regardless of its prior state. A RawOn
// reading with a successful probe moves StartingUp, Off, Unknown and Transitioning servers to On. ShuttingDown servers
// keep their state until the management endpoint reports them as off.
func NextPowerState(current PowerState, reading RawPowerReading, probeOK bool) PowerState {
	switch reading {
	case RawOff:
		switch current {
		case PowerShuttingDown, PowerUnknown:
			return PowerOff
		default:
			return current
		}
	case RawOn:
		if !probeOK {
			return PowerTransitioning
		}

		switch current {
		case PowerStartingUp, PowerOff, PowerUnknown, PowerTransitioning:
			return PowerOn
		default:
			return current
		}
	default:
		return current
	}
}
