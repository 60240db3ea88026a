package storage

import (
	"fmt"

	"github.com/scusemua/fleet-scheduler/common/configuration"
)

// NewProviderFromOptions returns the Provider selected by the "results-archive" option, or nil if results are not
// archived.
func NewProviderFromOptions(opts *configuration.FleetOptions) (Provider, error) {
	switch opts.ResultsArchive {
	case "", configuration.ArchiveNone:
		return nil, nil
	case configuration.ArchiveLocal:
		return NewLocalProvider(opts.ArchiveDir), nil
	case configuration.ArchiveS3:
		return NewS3Provider(opts.S3Bucket, opts.S3Prefix, opts.AwsRegion), nil
	default:
		return nil, fmt.Errorf("unknown results archive: \"%s\"", opts.ResultsArchive)
	}
}
