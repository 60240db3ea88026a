package scheduling

import (
	"errors"
)

var (
	// ErrUnplaceableJob indicates that a Job requests more CPU or RAM than any single Server in the inventory has in
	// total, so it can never be placed.
	ErrUnplaceableJob = errors.New("job requirement exceeds the total capacity of every server in the inventory")

	ErrInsufficientResources  = errors.New("insufficient resources available on server")
	ErrJobAlreadyAssigned     = errors.New("job is already assigned to the server")
	ErrJobNotAssigned         = errors.New("job is not assigned to the server")
	ErrIllegalPowerTransition = errors.New("illegal power state transition")
	ErrServerUnhealthy        = errors.New("server is marked unhealthy")
)
