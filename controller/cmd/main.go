package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/scusemua/fleet-scheduler/common/configuration"
	"github.com/scusemua/fleet-scheduler/common/consul"
	"github.com/scusemua/fleet-scheduler/common/metrics"
	"github.com/scusemua/fleet-scheduler/common/remote"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"github.com/scusemua/fleet-scheduler/common/scheduling/entity"
	"github.com/scusemua/fleet-scheduler/common/scheduling/execution"
	"github.com/scusemua/fleet-scheduler/common/storage"
	"github.com/scusemua/fleet-scheduler/common/tracing"
	"github.com/scusemua/fleet-scheduler/common/utils"
	"github.com/scusemua/fleet-scheduler/controller/daemon"
	"github.com/scusemua/fleet-scheduler/controller/status"
)

const (
	ServiceName = "fleet-controller"

	shutdownTimeout = 10 * time.Second
)

var (
	options      = configuration.DefaultFleetOptions()
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

// CreateConsulAndTracer connects to Consul and initializes the Jaeger tracer when their addresses are configured.
func CreateConsulAndTracer(options *configuration.FleetOptions) (io.Closer, *consul.Client) {
	var (
		tracerCloser io.Closer
		consulClient *consul.Client
		err          error
	)

	if options.JaegerAddr != "" {
		globalLogger.Info("Initializing jaeger agent [service name: %v | host: %v]...", ServiceName, options.JaegerAddr)

		_, tracerCloser, err = tracing.Init(ServiceName, options.JaegerAddr)
		if err != nil {
			log.Fatalf("Got error while initializing jaeger agent: %v", err)
		}
		globalLogger.Info("Jaeger agent initialized")
	}

	if options.ConsulAddr != "" {
		globalLogger.Info("Initializing consul agent [host: %v]...", options.ConsulAddr)

		consulClient, err = consul.NewClient(options.ConsulAddr)
		if err != nil {
			log.Fatalf("Got error while initializing consul agent: %v", err)
		}
		globalLogger.Info("Consul agent initialized")
	}

	return tracerCloser, consulClient
}

func createServers(inventory *configuration.Inventory) []scheduling.Server {
	sshOptions := remote.SSHOptions{
		User:                  options.SSHUser,
		Port:                  options.SSHPort,
		KeyFile:               options.SSHKeyFile,
		Password:              options.SSHPassword,
		KnownHostsFile:        options.SSHKnownHosts,
		InsecureIgnoreHostKey: options.SSHInsecure,
	}

	sessions, err := remote.NewSSHSessionManager(sshOptions)
	if err != nil {
		log.Fatalf("Failed to create SSH session manager: %v", err)
	}

	endpoint := remote.NewRedfishEndpoint(remote.RedfishOptions{
		Username: options.BMCUser,
		Password: options.BMCPassword,
		Insecure: options.BMCInsecure,
		SystemID: options.BMCSystemID,
	})

	servers := make([]scheduling.Server, 0, len(inventory.Servers))
	for _, spec := range inventory.Servers {
		servers = append(servers, entity.NewServer(spec, endpoint, sessions))
	}

	return servers
}

func createSpawner(ctx context.Context) (*execution.Spawner, storage.Provider) {
	syncer := remote.NewRsyncSyncer(options.RsyncBinary, remote.SSHOptions{
		User:                  options.SSHUser,
		Port:                  options.SSHPort,
		KeyFile:               options.SSHKeyFile,
		KnownHostsFile:        options.SSHKnownHosts,
		InsecureIgnoreHostKey: options.SSHInsecure,
	})

	sessions, err := remote.NewSSHSessionManager(remote.SSHOptions{
		User:                  options.SSHUser,
		Port:                  options.SSHPort,
		KeyFile:               options.SSHKeyFile,
		Password:              options.SSHPassword,
		KnownHostsFile:        options.SSHKnownHosts,
		InsecureIgnoreHostKey: options.SSHInsecure,
	})
	if err != nil {
		log.Fatalf("Failed to create SSH session manager: %v", err)
	}

	provider, err := storage.NewProviderFromOptions(options)
	if err != nil {
		log.Fatalf("Failed to create results archive: %v", err)
	}

	var archive execution.ResultArchive
	if provider != nil {
		if connectErr := provider.Connect(ctx); connectErr != nil {
			globalLogger.Warn(utils.OrangeStyle.Render("Failed to connect to the results archive: %v. Will retry on first use."),
				connectErr)
		}

		archive = provider
	}

	monitor := execution.NewMonitor(syncer, sessions, archive, execution.MonitorOptions{
		LocalDataDir:       options.DataDir,
		LocalProjectsDir:   options.ProjectsDir,
		LocalReturnDir:     options.ReturnDir,
		RemoteDataRoot:     options.RemoteDataRoot,
		RemoteProjectsRoot: options.RemoteProjectsRoot,
		PollInterval:       options.PollInterval(),
		GracePeriod:        options.GracePeriod(),
	})

	return execution.NewSpawner(monitor, options.MaxConcurrentJobs), provider
}

func main() {
	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the Fleet Controller with the following options:\n%s\n", options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the Fleet Controller.")
	}

	inventory, err := configuration.LoadInventory(options.InventoryFile)
	if err != nil {
		log.Fatalf("Failed to load inventory: %v", err)
	}
	globalLogger.Info("Loaded %d server(s) from \"%s\".", len(inventory.Servers), options.InventoryFile)

	if err = os.MkdirAll(options.JobDir, 0o755); err != nil {
		log.Fatalf("Failed to create job directory \"%s\": %v", options.JobDir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerCloser, consulClient := CreateConsulAndTracer(options)

	spawner, provider := createSpawner(ctx)

	metricsManager := metrics.NewFleetPrometheusManager(options.PrometheusPort)
	if err = metricsManager.Start(); err != nil {
		log.Fatalf("Failed to start Prometheus manager: %v", err)
	}

	controller := daemon.NewFleetControllerBuilder(options).
		WithServers(createServers(inventory)).
		WithSpawner(spawner).
		WithMetricsManager(metricsManager).
		Build()

	statusServer := status.NewStatusServer(controller, options.StatusHost, options.StatusPort)
	if err = statusServer.Start(); err != nil {
		log.Fatalf("Failed to start status server: %v", err)
	}

	serviceId := ServiceName + "-" + uuid.NewString()
	if consulClient != nil && options.StatusPort > 0 {
		err = consulClient.Register(ServiceName, serviceId, options.StatusHost, options.StatusPort, "/")
		if err != nil {
			log.Fatalf("Failed to register in consul: %v", err)
		}
		globalLogger.Info("Successfully registered in consul")
	}

	// Start detecting stop signals
	go func() {
		<-sig
		globalLogger.Info("Shutting down...")
		cancel()
	}()

	if runErr := controller.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
		globalLogger.Error(utils.RedStyle.Render("Fleet controller stopped unexpectedly: %v"), runErr)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	if consulClient != nil && options.StatusPort > 0 {
		if deregisterErr := consulClient.Deregister(serviceId); deregisterErr != nil {
			globalLogger.Warn("Failed to deregister from consul: %v", deregisterErr)
		}
	}

	_ = statusServer.Stop(stopCtx)
	_ = metricsManager.Stop()

	// Executions stop monitoring their jobs once ctx is cancelled; their servers keep the jobs' resources reserved.
	spawner.Wait()

	if provider != nil {
		_ = provider.Close()
	}

	if tracerCloser != nil {
		_ = tracerCloser.Close()
	}

	globalLogger.Info("Fleet controller stopped.")
}
