package tracing

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

const (
	// SampleRatioEnvironmentVariable may hold the probability with which traces are sampled.
	SampleRatioEnvironmentVariable = "JAEGER_SAMPLE_RATIO"

	DefaultSampleRatio = 1.0
)

// Init returns a Jaeger tracer reporting to the agent at host, and the io.Closer that flushes it.
//
// The tracer is also installed as the opentracing global tracer.
func Init(serviceName string, host string) (opentracing.Tracer, io.Closer, error) {
	cfg := Config(serviceName, host, sampleRatio())

	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, nil, err
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, closer, nil
}

// Config builds the Jaeger configuration used by Init.
func Config(serviceName string, host string, ratio float64) *jaegercfg.Configuration {
	return &jaegercfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeProbabilistic,
			Param: ratio,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans:            false,
			BufferFlushInterval: time.Second,
			LocalAgentHostPort:  host,
		},
	}
}

func sampleRatio() float64 {
	value, ok := os.LookupEnv(SampleRatioEnvironmentVariable)
	if !ok {
		return DefaultSampleRatio
	}

	ratio, err := strconv.ParseFloat(value, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return DefaultSampleRatio
	}

	return ratio
}
