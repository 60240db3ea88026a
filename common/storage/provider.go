package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const (
	Connected    ConnectionStatus = "CONNECTED"
	Connecting   ConnectionStatus = "CONNECTING"
	Disconnected ConnectionStatus = "DISCONNECTED"
)

// ConnectionStatus indicates the status of the connection with the storage backend.
type ConnectionStatus string

// Provider archives the results directory of a job into some storage medium, such as a local directory or AWS S3.
//
// Every Provider satisfies execution.ResultArchive.
type Provider interface {
	Connect(ctx context.Context) error

	Close() error

	// ConnectionStatus returns the current ConnectionStatus of the Provider.
	ConnectionStatus() ConnectionStatus

	// Archive copies every regular file below localDir into the archive, under a location specific to the job.
	Archive(ctx context.Context, jobID int, localDir string) error
}

type baseProvider struct {
	logger        *zap.Logger
	sugaredLogger *zap.SugaredLogger

	status ConnectionStatus
}

func newBaseProvider() *baseProvider {
	provider := &baseProvider{
		status: Disconnected,
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "[ERROR] Failed to create Zap Development logger because: %v\n", err)
		logger = zap.NewNop()
	}

	provider.logger = logger
	provider.sugaredLogger = logger.Sugar()

	return provider
}

// ConnectionStatus returns the current ConnectionStatus of the Provider.
func (p *baseProvider) ConnectionStatus() ConnectionStatus {
	return p.status
}

// walkFiles calls fn with the path and slash-separated relative path of every regular file below dir.
func walkFiles(dir string, fn func(path string, rel string) error) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		return fn(path, filepath.ToSlash(rel))
	})
}
