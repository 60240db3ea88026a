package scheduling

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/elliotchance/orderedmap/v2"
)

// JobStatus is the lifecycle status of a Job.
type JobStatus int32

const (
	JobWaiting JobStatus = iota
	JobRunning
	JobDone
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobWaiting:
		return "waiting"
	case JobRunning:
		return "running"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	default:
		return fmt.Sprintf("JobStatus(%d)", int32(s))
	}
}

// IsTerminal returns true for Done and Failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobFailed
}

// ResourceRequest is the amount of CPU and RAM that a Job requires on a single Server.
type ResourceRequest struct {
	CPU int `json:"cpu" yaml:"cpu"`
	RAM int `json:"ram" yaml:"ram"`
}

// FitsWithin returns true if both resources of the request are less than or equal to the given amounts.
func (r ResourceRequest) FitsWithin(cpu int, ram int) bool {
	return r.CPU <= cpu && r.RAM <= ram
}

func (r ResourceRequest) String() string {
	return fmt.Sprintf("ResourceRequest[CPU=%d, RAM=%d]", r.CPU, r.RAM)
}

// Job is a single unit of work submitted through the job directory.
type Job struct {
	ID            int
	ProjectFolder string
	DataFolder    string
	EntryPoint    string

	// Arguments are forwarded to the entry point as "--key value" flags, in insertion order.
	Arguments *orderedmap.OrderedMap[string, string]

	Request ResourceRequest

	status atomic.Int32
}

// NewJob creates a new Waiting Job. A nil arguments map is replaced by an empty one.
func NewJob(id int, projectFolder string, dataFolder string, entryPoint string,
	arguments *orderedmap.OrderedMap[string, string], request ResourceRequest) *Job {

	if arguments == nil {
		arguments = orderedmap.NewOrderedMap[string, string]()
	}

	job := &Job{
		ID:            id,
		ProjectFolder: projectFolder,
		DataFolder:    dataFolder,
		EntryPoint:    entryPoint,
		Arguments:     arguments,
		Request:       request,
	}
	job.status.Store(int32(JobWaiting))

	return job
}

// Status returns the current JobStatus of the Job.
func (j *Job) Status() JobStatus {
	return JobStatus(j.status.Load())
}

// SetStatus sets the JobStatus of the Job and returns the previous status.
func (j *Job) SetStatus(status JobStatus) JobStatus {
	return JobStatus(j.status.Swap(int32(status)))
}

// ArgumentFlags renders the Job's arguments as command-line flags, preserving their order.
// The quote function is applied to every flag name and value.
func (j *Job) ArgumentFlags(quote func(string) string) []string {
	flags := make([]string, 0, 2*j.Arguments.Len())
	for el := j.Arguments.Front(); el != nil; el = el.Next() {
		flags = append(flags, quote("--"+el.Key), quote(el.Value))
	}

	return flags
}

func (j *Job) String() string {
	keys := make([]string, 0, j.Arguments.Len())
	for el := j.Arguments.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Key)
	}

	return fmt.Sprintf("Job[ID=%d, Project=%s, Data=%s, EntryPoint=%s, Args=[%s], %s, Status=%s]",
		j.ID, j.ProjectFolder, j.DataFolder, j.EntryPoint, strings.Join(keys, ","), j.Request.String(), j.Status())
}
