package tracing

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/uber/jaeger-client-go"
)

var _ = Describe("Tracing", func() {
	AfterEach(func() {
		_ = os.Unsetenv(SampleRatioEnvironmentVariable)
	})

	It("Will configure a probabilistic sampler reporting to the agent", func() {
		cfg := Config("fleet-controller", "jaeger:6831", 0.25)

		Expect(cfg.ServiceName).To(Equal("fleet-controller"))
		Expect(cfg.Sampler.Type).To(Equal(jaeger.SamplerTypeProbabilistic))
		Expect(cfg.Sampler.Param).To(Equal(0.25))
		Expect(cfg.Reporter.LocalAgentHostPort).To(Equal("jaeger:6831"))
	})

	It("Will read the sample ratio from the environment", func() {
		Expect(sampleRatio()).To(Equal(DefaultSampleRatio))

		Expect(os.Setenv(SampleRatioEnvironmentVariable, "0.1")).To(Succeed())
		Expect(sampleRatio()).To(Equal(0.1))

		Expect(os.Setenv(SampleRatioEnvironmentVariable, "7")).To(Succeed())
		Expect(sampleRatio()).To(Equal(DefaultSampleRatio))
	})
})
