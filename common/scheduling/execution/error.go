package execution

import (
	"errors"
)

var (
	ErrSyncFailed            = errors.New("failed to synchronize job files to the server")
	ErrLaunchFailed          = errors.New("failed to launch the job session")
	ErrResultRetrievalFailed = errors.New("failed to retrieve the results of the job")
	ErrExecutionAbandoned    = errors.New("execution abandoned before completion was observed")
)
