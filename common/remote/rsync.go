package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/alessio/shellescape"
	"github.com/pkg/errors"
)

const (
	DefaultRsyncBinary = "rsync"
)

// RsyncSyncer implements scheduling.RemoteSyncer by running rsync over SSH.
type RsyncSyncer struct {
	log logger.Logger

	binary string
	user   string
	shell  string // shell is the remote shell passed to rsync with -e.
}

// NewRsyncSyncer creates a new RsyncSyncer. If binary is empty, "rsync" is looked up on the PATH.
func NewRsyncSyncer(binary string, opts SSHOptions) *RsyncSyncer {
	if binary == "" {
		binary = DefaultRsyncBinary
	}

	if opts.Port <= 0 {
		opts.Port = DefaultSSHPort
	}

	shell := []string{"ssh", "-p", strconv.Itoa(opts.Port), "-o", "BatchMode=yes"}
	if opts.KeyFile != "" {
		shell = append(shell, "-i", shellescape.Quote(opts.KeyFile))
	}
	if opts.InsecureIgnoreHostKey {
		shell = append(shell, "-o", "StrictHostKeyChecking=no")
	} else if opts.KnownHostsFile != "" {
		shell = append(shell, "-o", "UserKnownHostsFile="+shellescape.Quote(opts.KnownHostsFile))
	}

	syncer := &RsyncSyncer{
		binary: binary,
		user:   opts.User,
		shell:  strings.Join(shell, " "),
	}
	config.InitLogger(&syncer.log, syncer)

	return syncer
}

func (s *RsyncSyncer) remote(host string, path string) string {
	if s.user == "" {
		return fmt.Sprintf("%s:%s", host, path)
	}

	return fmt.Sprintf("%s@%s:%s", s.user, host, path)
}

// PushArgs returns the arguments of the rsync invocation that copies localPath into remoteRoot on the host.
//
// localPath has no trailing separator so that rsync creates a directory named after it under remoteRoot.
func (s *RsyncSyncer) PushArgs(host string, localPath string, remoteRoot string, excludes []string) []string {
	args := []string{"-az", "--quiet", "-e", s.shell}
	for _, exclude := range excludes {
		args = append(args, "--exclude", exclude)
	}

	return append(args, filepath.Clean(localPath), s.remote(host, remoteRoot))
}

// PullArgs returns the arguments of the rsync invocation that copies the contents of remotePath on the host into
// localPath.
func (s *RsyncSyncer) PullArgs(host string, remotePath string, localPath string) []string {
	return []string{"-az", "--quiet", "-e", s.shell,
		s.remote(host, strings.TrimSuffix(remotePath, "/")+"/"), filepath.Clean(localPath) + string(filepath.Separator)}
}

func (s *RsyncSyncer) Push(ctx context.Context, host string, localPath string, remoteRoot string, excludes []string) error {
	return s.run(ctx, s.PushArgs(host, localPath, remoteRoot, excludes))
}

func (s *RsyncSyncer) Pull(ctx context.Context, host string, remotePath string, localPath string) error {
	if err := os.MkdirAll(localPath, 0o750); err != nil {
		return errors.Wrapf(err, "failed to create local directory \"%s\"", localPath)
	}

	return s.run(ctx, s.PullArgs(host, remotePath, localPath))
}

func (s *RsyncSyncer) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, s.binary, args...)

	var stdoutBuffer, stderrBuffer bytes.Buffer
	cmd.Stdout = &stdoutBuffer
	cmd.Stderr = &stderrBuffer

	s.log.Debug("Running %s %s", s.binary, strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		s.log.Error("%s failed: %v", s.binary, err)
		s.log.Error("STDERR: %s", stderrBuffer.String())
		return errors.Wrapf(err, "%s failed: %s", s.binary, strings.TrimSpace(stderrBuffer.String()))
	}

	return nil
}
