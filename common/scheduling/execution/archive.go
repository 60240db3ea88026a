package execution

import (
	"context"
)

// ResultArchive stores the results of a completed job once they have been retrieved to the local results directory.
type ResultArchive interface {
	Archive(ctx context.Context, jobID int, localDir string) error
}
