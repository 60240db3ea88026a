package execution

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/google/uuid"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
)

const (
	// ResultsDirName is the directory, relative to the remote project directory, under which each job writes its
	// results into a subdirectory named after the job ID.
	ResultsDirName = "return_data"

	ManifestFileName      = "log.txt"
	StdoutFileName        = "stdout.txt"
	StderrFileName        = "stderr.txt"
	InstallStderrFileName = "install_stderr.txt"

	// manifestDateFormat is the format passed to date(1) for the timestamps of the manifest.
	manifestDateFormat = "+%A %D %X"
)

var (
	// SyncExcludes are the patterns that are never pushed to a server.
	SyncExcludes = []string{".git", ".idea", ResultsDirName}
)

// SessionName returns a unique name for the detached session of the job.
func SessionName(jobID int) string {
	return fmt.Sprintf("job-%d-%s", jobID, uuid.NewString()[:8])
}

// RemoteProjectDir returns the directory of the job's project on the server.
func RemoteProjectDir(remoteProjectsRoot string, job *scheduling.Job) string {
	return path.Join(remoteProjectsRoot, path.Base(job.ProjectFolder))
}

// RemoteResultsDir returns the directory into which the job writes its results on the server.
func RemoteResultsDir(remoteProjectsRoot string, job *scheduling.Job) string {
	return path.Join(RemoteProjectDir(remoteProjectsRoot, job), ResultsDirName, strconv.Itoa(job.ID))
}

// BuildLaunchScript returns the shell script run in the detached session of the job.
//
// The script creates the results directory, builds a virtual environment named after the project, installs the
// project's requirements, writes a manifest with the server ID and the start and end times, and runs the entry point
// with "--job_id <id>" followed by the job's arguments. All output is written under the results directory.
func BuildLaunchScript(job *scheduling.Job, serverID int, projectDir string) string {
	var (
		q        = shellescape.Quote
		results  = path.Join(ResultsDirName, strconv.Itoa(job.ID))
		manifest = q(path.Join(results, ManifestFileName))
		venv     = path.Base(job.ProjectFolder)
	)

	command := []string{"python3", q(job.EntryPoint), "--job_id", strconv.Itoa(job.ID)}
	command = append(command, job.ArgumentFlags(q)...)

	lines := []string{
		"cd " + q(projectDir),
		"mkdir -p " + q(results),
		"python3 -m venv " + q(venv),
		"source " + q(path.Join(venv, "bin", "activate")),
		"pip install -r requirements.txt 2> " + q(path.Join(results, InstallStderrFileName)),
		fmt.Sprintf("echo \"server_id: %d\" > %s", serverID, manifest),
		fmt.Sprintf("echo \"start_time: $(date %s)\" >> %s", q(manifestDateFormat), manifest),
		fmt.Sprintf("%s > %s 2> %s", strings.Join(command, " "),
			q(path.Join(results, StdoutFileName)), q(path.Join(results, StderrFileName))),
		fmt.Sprintf("echo \"end_time: $(date %s)\" >> %s", q(manifestDateFormat), manifest),
		"exit",
	}

	return strings.Join(lines, "; ")
}
