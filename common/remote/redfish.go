package remote

import (
	"context"
	"fmt"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"github.com/stmcginnis/gofish"
	"github.com/stmcginnis/gofish/redfish"
)

var (
	ErrIndeterminatePowerState = errors.New("power state reported by the management endpoint is neither on nor off")
	ErrNoComputerSystem        = errors.New("management endpoint exposes no computer system")
)

// RedfishOptions are the credentials used to log in to the BMC of every server.
type RedfishOptions struct {
	Username string
	Password string
	Insecure bool

	// SystemID selects the computer system to control. The first system is used if it is empty or not found.
	SystemID string
}

// RedfishEndpoint implements scheduling.ManagementEndpoint against a Redfish BMC (e.g., HPE iLO).
type RedfishEndpoint struct {
	log  logger.Logger
	opts RedfishOptions
}

func NewRedfishEndpoint(opts RedfishOptions) *RedfishEndpoint {
	endpoint := &RedfishEndpoint{opts: opts}
	config.InitLogger(&endpoint.log, endpoint)

	return endpoint
}

// ToRawPowerReading converts a Redfish power state. Transitional and unknown states return
// ErrIndeterminatePowerState.
func ToRawPowerReading(state redfish.PowerState) (scheduling.RawPowerReading, error) {
	switch state {
	case redfish.OnPowerState:
		return scheduling.RawOn, nil
	case redfish.OffPowerState:
		return scheduling.RawOff, nil
	default:
		return scheduling.RawOff, fmt.Errorf("%w: \"%s\"", ErrIndeterminatePowerState, state)
	}
}

func (e *RedfishEndpoint) PowerState(ctx context.Context, managementAddress string) (scheduling.RawPowerReading, error) {
	var reading scheduling.RawPowerReading

	err := e.withSystem(ctx, managementAddress, func(system *redfish.ComputerSystem) error {
		var err error
		reading, err = ToRawPowerReading(system.PowerState)
		return err
	})

	return reading, err
}

// PowerOn resets the system with the "On" reset type unless it already reports being on.
func (e *RedfishEndpoint) PowerOn(ctx context.Context, managementAddress string) error {
	return e.withSystem(ctx, managementAddress, func(system *redfish.ComputerSystem) error {
		if system.PowerState == redfish.OnPowerState {
			e.log.Debug("System at %s is already on.", managementAddress)
			return nil
		}

		if err := system.Reset(redfish.OnResetType); err != nil {
			return errors.Wrapf(err, "failed to power on system at %s", managementAddress)
		}

		return nil
	})
}

// withSystem opens a session with the BMC, calls fn with the selected computer system and logs out.
func (e *RedfishEndpoint) withSystem(ctx context.Context, managementAddress string,
	fn func(system *redfish.ComputerSystem) error) error {

	client, err := gofish.ConnectContext(ctx, gofish.ClientConfig{
		Endpoint: "https://" + managementAddress,
		Username: e.opts.Username,
		Password: e.opts.Password,
		Insecure: e.opts.Insecure,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to connect to management endpoint %s", managementAddress)
	}
	defer client.Logout()

	systems, err := client.Service.Systems()
	if err != nil {
		return errors.Wrapf(err, "failed to list systems of management endpoint %s", managementAddress)
	}

	if len(systems) == 0 {
		return fmt.Errorf("%w: %s", ErrNoComputerSystem, managementAddress)
	}

	system := systems[0]
	for _, candidate := range systems {
		if e.opts.SystemID != "" && candidate.ID == e.opts.SystemID {
			system = candidate
			break
		}
	}

	return fn(system)
}
