package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LocalProvider archives job results into a directory of the local file system, at <root>/<job id>.
type LocalProvider struct {
	*baseProvider

	root string
}

func NewLocalProvider(root string) *LocalProvider {
	return &LocalProvider{
		baseProvider: newBaseProvider(),
		root:         root,
	}
}

func (p *LocalProvider) Connect(_ context.Context) error {
	p.status = Connecting

	if err := os.MkdirAll(p.root, 0o755); err != nil {
		p.status = Disconnected
		return errors.Wrapf(err, "failed to create archive directory \"%s\"", p.root)
	}

	p.status = Connected
	p.logger.Debug("Connected to local archive.", zap.String("root", p.root))

	return nil
}

func (p *LocalProvider) Close() error {
	p.status = Disconnected
	return nil
}

// Archive replaces any previous archive of the job with a copy of localDir.
func (p *LocalProvider) Archive(ctx context.Context, jobID int, localDir string) error {
	if p.status != Connected {
		if err := p.Connect(ctx); err != nil {
			return err
		}
	}

	dest := filepath.Join(p.root, strconv.Itoa(jobID))
	if err := os.RemoveAll(dest); err != nil {
		return errors.Wrapf(err, "failed to clear \"%s\"", dest)
	}

	numFiles := 0
	err := walkFiles(localDir, func(path string, rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := copyFile(path, filepath.Join(dest, filepath.FromSlash(rel))); err != nil {
			p.logger.Error("Failed to archive file.", zap.String("file", path), zap.Error(err))
			return err
		}

		numFiles += 1
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to archive results of job %d", jobID)
	}

	p.sugaredLogger.Infof("Archived %d result file(s) of job %d to %s.", numFiles, jobID, dest)
	return nil
}

func copyFile(src string, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
