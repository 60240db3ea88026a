package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/maruel/natural"
	"github.com/pkg/errors"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"github.com/scusemua/fleet-scheduler/common/utils"
	"gopkg.in/yaml.v3"
)

const (
	// RejectedDirName is the subdirectory of the job directory into which malformed descriptors are moved.
	RejectedDirName = "rejected"
)

var (
	ErrMalformedDescriptor = errors.New("malformed job descriptor")
)

// JobDescriptor is the YAML document that describes one Job in the job directory.
type JobDescriptor struct {
	JobID          *int      `yaml:"job_id"`
	ProjectFolder  string    `yaml:"project_folder"`
	DataFolder     string    `yaml:"data_folder"`
	EntryPoint     string    `yaml:"entry_point"`
	Arguments      yaml.Node `yaml:"arguments"`
	CPURequirement int       `yaml:"CPU_requirement"`
	RAMRequirement int       `yaml:"RAM_requirement"`
}

// ParseDescriptor decodes a job descriptor into a Waiting Job. The order of the arguments in the document is
// preserved.
func ParseDescriptor(data []byte) (*scheduling.Job, error) {
	var descriptor JobDescriptor
	if err := yaml.Unmarshal(data, &descriptor); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}

	if descriptor.JobID == nil {
		return nil, fmt.Errorf("%w: missing \"job_id\"", ErrMalformedDescriptor)
	}

	if descriptor.ProjectFolder == "" {
		return nil, fmt.Errorf("%w: missing \"project_folder\"", ErrMalformedDescriptor)
	}

	if descriptor.DataFolder == "" {
		return nil, fmt.Errorf("%w: missing \"data_folder\"", ErrMalformedDescriptor)
	}

	if descriptor.EntryPoint == "" {
		return nil, fmt.Errorf("%w: missing \"entry_point\"", ErrMalformedDescriptor)
	}

	if descriptor.CPURequirement < 0 || descriptor.RAMRequirement < 0 {
		return nil, fmt.Errorf("%w: negative resource requirement (CPU=%d, RAM=%d)", ErrMalformedDescriptor,
			descriptor.CPURequirement, descriptor.RAMRequirement)
	}

	arguments, err := decodeArguments(&descriptor.Arguments)
	if err != nil {
		return nil, err
	}

	request := scheduling.ResourceRequest{CPU: descriptor.CPURequirement, RAM: descriptor.RAMRequirement}
	return scheduling.NewJob(*descriptor.JobID, descriptor.ProjectFolder, descriptor.DataFolder, descriptor.EntryPoint,
		arguments, request), nil
}

// decodeArguments walks the mapping node pairwise so that the keys keep the order in which they were written.
func decodeArguments(node *yaml.Node) (*orderedmap.OrderedMap[string, string], error) {
	arguments := orderedmap.NewOrderedMap[string, string]()

	switch node.Kind {
	case 0:
		return arguments, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return arguments, nil
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]

			if value.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("%w: argument \"%s\" is not a scalar (line %d)", ErrMalformedDescriptor,
					key.Value, value.Line)
			}

			if value.Tag == "!!null" {
				arguments.Set(key.Value, "")
			} else {
				arguments.Set(key.Value, value.Value)
			}
		}

		return arguments, nil
	}

	return nil, fmt.Errorf("%w: \"arguments\" must be a mapping (line %d)", ErrMalformedDescriptor, node.Line)
}

// IngestResult lists what one pass over the job directory produced.
type IngestResult struct {
	Jobs []*scheduling.Job

	// Malformed holds the names of the descriptors that were moved to the rejected directory.
	Malformed []string
}

// Ingestor reads job descriptors from the job directory.
//
// Descriptors are read in natural order of their file names. Each descriptor is removed once it has been read;
// malformed descriptors are moved into the rejected subdirectory instead.
type Ingestor struct {
	log logger.Logger

	dir string
}

func NewIngestor(dir string) *Ingestor {
	ingestor := &Ingestor{dir: dir}
	config.InitLogger(&ingestor.log, ingestor)

	return ingestor
}

// Dir returns the job directory.
func (i *Ingestor) Dir() string {
	return i.dir
}

// Ingest reads every descriptor currently in the job directory.
//
// An error is returned only if the directory itself cannot be listed. Problems with individual files are logged.
func (i *Ingestor) Ingest() (*IngestResult, error) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list job directory \"%s\"", i.dir)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		names = append(names, entry.Name())
	}
	sort.Sort(natural.StringSlice(names))

	result := &IngestResult{
		Jobs: make([]*scheduling.Job, 0, len(names)),
	}

	for _, name := range names {
		path := filepath.Join(i.dir, name)

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			i.log.Warn(utils.OrangeStyle.Render("Failed to read job descriptor \"%s\": %v"), path, readErr)
			continue
		}

		job, parseErr := ParseDescriptor(data)
		if parseErr != nil {
			i.log.Error(utils.RedStyle.Render("Rejecting job descriptor \"%s\": %v"), path, parseErr)
			i.reject(name)
			result.Malformed = append(result.Malformed, name)
			continue
		}

		if removeErr := os.Remove(path); removeErr != nil {
			// A descriptor that cannot be removed would be ingested again on the next pass.
			i.log.Error(utils.RedStyle.Render("Failed to remove job descriptor \"%s\": %v. Skipping job %d."),
				path, removeErr, job.ID)
			continue
		}

		i.log.Debug("Ingested job descriptor \"%s\": %v", name, job)
		result.Jobs = append(result.Jobs, job)
	}

	return result, nil
}

func (i *Ingestor) reject(name string) {
	rejectedDir := filepath.Join(i.dir, RejectedDirName)
	if err := os.MkdirAll(rejectedDir, 0o755); err != nil {
		i.log.Error("Failed to create \"%s\": %v", rejectedDir, err)
		return
	}

	if err := os.Rename(filepath.Join(i.dir, name), filepath.Join(rejectedDir, name)); err != nil {
		i.log.Error("Failed to move job descriptor \"%s\" to \"%s\": %v", name, rejectedDir, err)
	}
}
