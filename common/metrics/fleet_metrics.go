package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scusemua/fleet-scheduler/common/scheduling"
	"github.com/scusemua/fleet-scheduler/common/utils"
)

const (
	namespace = "fleet"

	OutcomeDone        = "done"
	OutcomeFailed      = "failed"
	OutcomeAbandoned   = "abandoned"
	OutcomeUnplaceable = "unplaceable"

	ActionStart    = "start"
	ActionShutdown = "shutdown"
)

var (
	ErrFleetPrometheusManagerAlreadyRunning = errors.New("FleetPrometheusManager is already running")
	ErrFleetPrometheusManagerNotRunning     = errors.New("FleetPrometheusManager is not running")
)

// FleetPrometheusManager owns the Prometheus metrics of the fleet controller and serves them via HTTP.
//
// Metrics are registered with a registry that belongs to the manager, and they may be updated whether or not the
// manager is serving them.
type FleetPrometheusManager struct {
	log logger.Logger

	registry          *prometheus.Registry
	prometheusHandler http.Handler
	engine            *gin.Engine
	httpServer        *http.Server

	port int
	mu   sync.Mutex

	// serving indicates whether the manager has been started and is serving requests.
	serving bool

	TotalCpuGaugeVec     *prometheus.GaugeVec
	AvailableCpuGaugeVec *prometheus.GaugeVec
	TotalRamGaugeVec     *prometheus.GaugeVec
	AvailableRamGaugeVec *prometheus.GaugeVec

	// PowerStateGaugeVec holds the numeric value of the scheduling.PowerState of every server.
	PowerStateGaugeVec   *prometheus.GaugeVec
	HealthyGaugeVec      *prometheus.GaugeVec
	IdleCyclesGaugeVec   *prometheus.GaugeVec
	AssignedJobsGaugeVec *prometheus.GaugeVec

	QueueLengthGauge  prometheus.Gauge
	JobsInFlightGauge prometheus.Gauge

	JobsCounterVec         *prometheus.CounterVec
	JobDurationSecondsVec  *prometheus.HistogramVec
	PowerActionsCounterVec *prometheus.CounterVec
	TickDurationSeconds    prometheus.Histogram
}

// NewFleetPrometheusManager creates a new FleetPrometheusManager with all of its metrics registered.
//
// If port is not positive, Start does not serve the metrics.
func NewFleetPrometheusManager(port int) *FleetPrometheusManager {
	registry := prometheus.NewRegistry()

	manager := &FleetPrometheusManager{
		port:              port,
		registry:          registry,
		prometheusHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}
	config.InitLogger(&manager.log, manager)

	manager.initMetrics()

	return manager
}

func (m *FleetPrometheusManager) initMetrics() {
	serverGauge := func(name string, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      name,
			Help:      help,
		}, []string{"server_id"})
	}

	m.TotalCpuGaugeVec = serverGauge("total_cpu", "Total CPU units of a server")
	m.AvailableCpuGaugeVec = serverGauge("available_cpu", "CPU units of a server that are not reserved by any job")
	m.TotalRamGaugeVec = serverGauge("total_ram", "Total RAM units of a server")
	m.AvailableRamGaugeVec = serverGauge("available_ram", "RAM units of a server that are not reserved by any job")
	m.PowerStateGaugeVec = serverGauge("power_state",
		"Power state of a server (0=unknown, 1=off, 2=starting up, 3=on, 4=transitioning, 5=shutting down)")
	m.HealthyGaugeVec = serverGauge("healthy", "1 if a server may be used for placement and power actions, 0 otherwise")
	m.IdleCyclesGaugeVec = serverGauge("idle_cycles", "Consecutive ticks during which a server was on with no jobs")
	m.AssignedJobsGaugeVec = serverGauge("assigned_jobs", "Number of jobs running on a server")

	m.QueueLengthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Number of jobs waiting to be placed",
	})
	m.JobsInFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_in_flight",
		Help:      "Number of jobs being executed",
	})

	m.JobsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Number of jobs that reached a terminal outcome",
	}, []string{"outcome"})
	m.JobDurationSecondsVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Time from the start of a job's execution to its terminal outcome",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400},
	}, []string{"outcome"})
	m.PowerActionsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "power_actions_total",
		Help:      "Number of power-on and shutdown requests issued to servers",
	}, []string{"server_id", "action"})
	m.TickDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Time taken by one tick of the controller loop",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})

	m.registry.MustRegister(m.TotalCpuGaugeVec, m.AvailableCpuGaugeVec, m.TotalRamGaugeVec, m.AvailableRamGaugeVec,
		m.PowerStateGaugeVec, m.HealthyGaugeVec, m.IdleCyclesGaugeVec, m.AssignedJobsGaugeVec, m.QueueLengthGauge,
		m.JobsInFlightGauge, m.JobsCounterVec, m.JobDurationSecondsVec, m.PowerActionsCounterVec, m.TickDurationSeconds)
}

// Registry returns the registry with which every metric of the manager is registered.
func (m *FleetPrometheusManager) Registry() *prometheus.Registry {
	return m.registry
}

// PublishServer updates the per-server metrics from a snapshot.
func (m *FleetPrometheusManager) PublishServer(snapshot scheduling.ServerSnapshot) {
	id := strconv.Itoa(snapshot.ID)

	m.TotalCpuGaugeVec.WithLabelValues(id).Set(float64(snapshot.TotalCPU))
	m.AvailableCpuGaugeVec.WithLabelValues(id).Set(float64(snapshot.AvailableCPU))
	m.TotalRamGaugeVec.WithLabelValues(id).Set(float64(snapshot.TotalRAM))
	m.AvailableRamGaugeVec.WithLabelValues(id).Set(float64(snapshot.AvailableRAM))
	m.PowerStateGaugeVec.WithLabelValues(id).Set(float64(snapshot.PowerState))
	m.IdleCyclesGaugeVec.WithLabelValues(id).Set(float64(snapshot.IdleCycles))
	m.AssignedJobsGaugeVec.WithLabelValues(id).Set(float64(len(snapshot.AssignedJobIDs)))

	if snapshot.Healthy {
		m.HealthyGaugeVec.WithLabelValues(id).Set(1)
	} else {
		m.HealthyGaugeVec.WithLabelValues(id).Set(0)
	}
}

func (m *FleetPrometheusManager) SetQueueLength(length int) {
	m.QueueLengthGauge.Set(float64(length))
}

func (m *FleetPrometheusManager) SetJobsInFlight(count int) {
	m.JobsInFlightGauge.Set(float64(count))
}

// RecordJobOutcome counts a job that reached the given outcome after the given duration.
func (m *FleetPrometheusManager) RecordJobOutcome(outcome string, duration time.Duration) {
	m.JobsCounterVec.WithLabelValues(outcome).Inc()
	m.JobDurationSecondsVec.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *FleetPrometheusManager) RecordPowerAction(serverID int, action string) {
	m.PowerActionsCounterVec.WithLabelValues(strconv.Itoa(serverID), action).Inc()
}

func (m *FleetPrometheusManager) ObserveTick(duration time.Duration) {
	m.TickDurationSeconds.Observe(duration.Seconds())
}

// Start begins serving the metrics via HTTP.
func (m *FleetPrometheusManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		m.log.Warn("FleetPrometheusManager is already running.")
		return ErrFleetPrometheusManagerAlreadyRunning
	}

	m.serving = true
	m.initializeHttpServer()

	return nil
}

// IsRunning returns true if the FleetPrometheusManager has been started.
func (m *FleetPrometheusManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.serving
}

// Stop shuts down the HTTP server of the FleetPrometheusManager.
func (m *FleetPrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.serving {
		m.log.Warn("FleetPrometheusManager is not running.")
		return ErrFleetPrometheusManagerNotRunning
	}

	m.serving = false
	if m.httpServer == nil {
		return nil
	}

	if err := m.httpServer.Shutdown(context.Background()); err != nil {
		m.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
		return err
	}

	return nil
}

// HandleRequest is an HTTP handler to serve Prometheus metric-scraping requests.
func (m *FleetPrometheusManager) HandleRequest(c *gin.Context) {
	m.prometheusHandler.ServeHTTP(c.Writer, c.Request)
}

func (m *FleetPrometheusManager) initializeHttpServer() {
	m.engine = gin.New()

	if m.port <= 0 {
		m.log.Debug("Prometheus Port is set to %d. Not serving HTTP server.", m.port)
		return
	}

	m.engine.Use(gin.Recovery())
	m.engine.Use(cors.Default())

	m.engine.GET("/metrics", m.HandleRequest)

	address := fmt.Sprintf("0.0.0.0:%d", m.port)
	m.httpServer = &http.Server{
		Addr:    address,
		Handler: m.engine,
	}

	go func() {
		m.log.Debug("Serving Prometheus metrics at %s", address)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error(utils.RedStyle.Render("HTTP Server failed to listen on '%s'. Error: %v"), address, err)
		}
	}()
}
