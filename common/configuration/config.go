package configuration

import (
	"fmt"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
)

const (
	DefaultTickIntervalSec   = 120
	DefaultPollIntervalSec   = 120
	DefaultGracePeriodSec    = 30
	DefaultMaxIdleCycles     = 2
	DefaultMaxConcurrentJobs = 64
	DefaultStatusHost        = "0.0.0.0"
	DefaultStatusPort        = 8000
	DefaultPrometheusPort    = 8089
	DefaultSSHPort           = 22
	DefaultAwsRegion         = "us-east-1"

	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

// FleetOptions includes every configuration parameter of the fleet controller.
//
// Flags take their default values from the fields of the struct passed to config.ValidateOptions, so
// DefaultFleetOptions should be used to create it.
type FleetOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	InventoryFile string `name:"inventory" json:"inventory" yaml:"inventory" description:"Path to the YAML file listing the servers of the fleet."`

	JobDir      string `name:"job-dir" json:"job-dir" yaml:"job-dir" description:"Directory into which job descriptors are written by the job producer."`
	DataDir     string `name:"data-dir" json:"data-dir" yaml:"data-dir" description:"Local directory containing the data folders referenced by jobs."`
	ProjectsDir string `name:"projects-dir" json:"projects-dir" yaml:"projects-dir" description:"Local directory containing the project folders referenced by jobs."`
	ReturnDir   string `name:"return-dir" json:"return-dir" yaml:"return-dir" description:"Local directory into which the results of every job are retrieved."`

	RemoteDataRoot     string `name:"remote-data-root" json:"remote-data-root" yaml:"remote-data-root" description:"Directory on the servers into which data folders are pushed. Defaults to data-dir."`
	RemoteProjectsRoot string `name:"remote-projects-root" json:"remote-projects-root" yaml:"remote-projects-root" description:"Directory on the servers into which project folders are pushed. Defaults to projects-dir."`

	TickIntervalSec   int  `name:"tick-interval" json:"tick-interval" yaml:"tick-interval" description:"Interval, in seconds, between two ticks of the controller loop."`
	PollIntervalSec   int  `name:"poll-interval" json:"poll-interval" yaml:"poll-interval" description:"Interval, in seconds, between two checks of whether a job's session is still running."`
	GracePeriodSec    int  `name:"grace-period" json:"grace-period" yaml:"grace-period" description:"Delay, in seconds, before a session found inactive is checked again to confirm completion."`
	MaxIdleCycles     int  `name:"max-idle-cycles" json:"max-idle-cycles" yaml:"max-idle-cycles" description:"A server that is on and idle for more than this many consecutive ticks is shut down."`
	MaxConcurrentJobs int  `name:"max-concurrent-jobs" json:"max-concurrent-jobs" yaml:"max-concurrent-jobs" description:"Maximum number of jobs being executed at once."`
	WatchJobDir       bool `name:"watch-job-dir" json:"watch-job-dir" yaml:"watch-job-dir" description:"If true, new job descriptors are ingested and placed as soon as they are written, without waiting for the next tick."`

	StatusHost     string `name:"status-host" json:"status-host" yaml:"status-host" description:"Host on which the plaintext status page is served."`
	StatusPort     int    `name:"status-port" json:"status-port" yaml:"status-port" description:"Port on which the plaintext status page is served. A non-positive value disables it."`
	PrometheusPort int    `name:"prometheus_port" json:"prometheus_port" yaml:"prometheus_port" description:"Port on which Prometheus metrics are served. A non-positive value disables it."`

	SSHUser       string `name:"ssh-user" json:"ssh-user" yaml:"ssh-user" description:"User used to connect to the servers over SSH."`
	SSHPort       int    `name:"ssh-port" json:"ssh-port" yaml:"ssh-port" description:"SSH port of the servers."`
	SSHKeyFile    string `name:"ssh-key" json:"ssh-key" yaml:"ssh-key" description:"Private key used to connect to the servers over SSH."`
	SSHPassword   string `name:"ssh-password" json:"-" yaml:"ssh-password" description:"Password used to connect to the servers over SSH and for sudo."`
	SSHKnownHosts string `name:"ssh-known-hosts" json:"ssh-known-hosts" yaml:"ssh-known-hosts" description:"known_hosts file used to verify the host keys of the servers."`
	SSHInsecure   bool   `name:"ssh-insecure" json:"ssh-insecure" yaml:"ssh-insecure" description:"If true, the host keys of the servers are not verified."`
	RsyncBinary   string `name:"rsync" json:"rsync" yaml:"rsync" description:"Path to the rsync binary."`

	BMCUser     string `name:"bmc-user" json:"bmc-user" yaml:"bmc-user" description:"User of the Redfish management endpoints."`
	BMCPassword string `name:"bmc-password" json:"-" yaml:"bmc-password" description:"Password of the Redfish management endpoints."`
	BMCInsecure bool   `name:"bmc-insecure" json:"bmc-insecure" yaml:"bmc-insecure" description:"If true, the TLS certificates of the management endpoints are not verified."`
	BMCSystemID string `name:"bmc-system-id" json:"bmc-system-id" yaml:"bmc-system-id" description:"ID of the Redfish computer system to control."`

	ResultsArchive string `name:"results-archive" json:"results-archive" yaml:"results-archive" description:"Where retrieved job results are archived. Options are 'none', 'local', and 's3'."`
	ArchiveDir     string `name:"archive-dir" json:"archive-dir" yaml:"archive-dir" description:"Directory into which results are archived when results-archive is 'local'."`
	S3Bucket       string `name:"s3-bucket" json:"s3-bucket" yaml:"s3-bucket" description:"S3 bucket into which results are archived when results-archive is 's3'."`
	S3Prefix       string `name:"s3-prefix" json:"s3-prefix" yaml:"s3-prefix" description:"Prefix of the S3 keys of archived results."`
	AwsRegion      string `name:"aws_region" json:"aws_region" yaml:"aws_region" description:"AWS region of the S3 bucket."`

	JaegerAddr string `name:"jaeger" json:"jaeger" yaml:"jaeger" description:"Jaeger agent address. Tracing is disabled if empty."`
	ConsulAddr string `name:"consul" json:"consul" yaml:"consul" description:"Consul agent address. Service registration is disabled if empty."`

	// PrettyPrintOptions, when true, instructs the driver to pretty-print the FleetOptions struct when the program
	// first begins running.
	PrettyPrintOptions bool `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options"`
}

// DefaultFleetOptions returns a FleetOptions populated with default values.
func DefaultFleetOptions() *FleetOptions {
	return &FleetOptions{
		InventoryFile:     "inventory.yml",
		JobDir:            "jobs",
		TickIntervalSec:   DefaultTickIntervalSec,
		PollIntervalSec:   DefaultPollIntervalSec,
		GracePeriodSec:    DefaultGracePeriodSec,
		MaxIdleCycles:     DefaultMaxIdleCycles,
		MaxConcurrentJobs: DefaultMaxConcurrentJobs,
		StatusHost:        DefaultStatusHost,
		StatusPort:        DefaultStatusPort,
		PrometheusPort:    DefaultPrometheusPort,
		SSHPort:           DefaultSSHPort,
		ResultsArchive:    ArchiveNone,
		AwsRegion:         DefaultAwsRegion,
	}
}

// Validate replaces invalid values with defaults, printing a warning for each, and returns an error if the options
// cannot be used.
func (o *FleetOptions) Validate() error {
	if o.TickIntervalSec <= 0 {
		fmt.Printf("[WARNING] Invalid \"tick-interval\" specified: %d. Using default value: %d.\n",
			o.TickIntervalSec, DefaultTickIntervalSec)
		o.TickIntervalSec = DefaultTickIntervalSec
	}

	if o.PollIntervalSec <= 0 {
		fmt.Printf("[WARNING] Invalid \"poll-interval\" specified: %d. Using default value: %d.\n",
			o.PollIntervalSec, DefaultPollIntervalSec)
		o.PollIntervalSec = DefaultPollIntervalSec
	}

	if o.GracePeriodSec <= 0 {
		fmt.Printf("[WARNING] Invalid \"grace-period\" specified: %d. Using default value: %d.\n",
			o.GracePeriodSec, DefaultGracePeriodSec)
		o.GracePeriodSec = DefaultGracePeriodSec
	}

	if o.MaxIdleCycles < 0 {
		fmt.Printf("[WARNING] Invalid \"max-idle-cycles\" specified: %d. Using default value: %d.\n",
			o.MaxIdleCycles, DefaultMaxIdleCycles)
		o.MaxIdleCycles = DefaultMaxIdleCycles
	}

	if o.MaxConcurrentJobs <= 0 {
		fmt.Printf("[WARNING] Invalid \"max-concurrent-jobs\" specified: %d. Using default value: %d.\n",
			o.MaxConcurrentJobs, DefaultMaxConcurrentJobs)
		o.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}

	if o.SSHPort <= 0 {
		fmt.Printf("[WARNING] Invalid \"ssh-port\" specified: %d. Using default value: %d.\n", o.SSHPort, DefaultSSHPort)
		o.SSHPort = DefaultSSHPort
	}

	if o.RemoteDataRoot == "" {
		o.RemoteDataRoot = o.DataDir
	}

	if o.RemoteProjectsRoot == "" {
		o.RemoteProjectsRoot = o.ProjectsDir
	}

	if o.InventoryFile == "" {
		return fmt.Errorf("\"inventory\" must be specified")
	}

	if o.JobDir == "" {
		return fmt.Errorf("\"job-dir\" must be specified")
	}

	switch o.ResultsArchive {
	case "", ArchiveNone:
		o.ResultsArchive = ArchiveNone
	case ArchiveLocal:
		if o.ArchiveDir == "" {
			return fmt.Errorf("\"archive-dir\" must be specified when \"results-archive\" is \"%s\"", ArchiveLocal)
		}
	case ArchiveS3:
		if o.S3Bucket == "" {
			return fmt.Errorf("\"s3-bucket\" must be specified when \"results-archive\" is \"%s\"", ArchiveS3)
		}

		if o.AwsRegion == "" {
			fmt.Printf("[WARNING] \"aws_region\" is not set while using results-archive=\"%s\". Using default value: \"%s\".\n",
				ArchiveS3, DefaultAwsRegion)
			o.AwsRegion = DefaultAwsRegion
		}
	default:
		return fmt.Errorf("unknown \"results-archive\": \"%s\"", o.ResultsArchive)
	}

	return nil
}

func (o *FleetOptions) TickInterval() time.Duration {
	return time.Duration(o.TickIntervalSec) * time.Second
}

func (o *FleetOptions) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalSec) * time.Second
}

func (o *FleetOptions) GracePeriod() time.Duration {
	return time.Duration(o.GracePeriodSec) * time.Second
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (o *FleetOptions) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(o, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (o *FleetOptions) Clone() *FleetOptions {
	clone := *o
	return &clone
}

func (o *FleetOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}

	return string(m)
}
