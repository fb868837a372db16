package middleware

import (
	"fmt"
	"os"

	"github.com/grafana/pyroscope-go"
	"github.com/rs/zerolog/log"
)

var profiler *pyroscope.Profiler

// InitProfiling starts continuous profiling against the Pyroscope server
// named by PROFILING_ENDPOINT.
func InitProfiling() error {
	appName := os.Getenv("SERVICE_NAME")
	if appName == "" {
		appName = tracerName
	}
	endpoint := os.Getenv("PROFILING_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4040"
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   endpoint,
		Logger:          nil,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return fmt.Errorf("start pyroscope: %w", err)
	}
	profiler = p
	return nil
}

// StopProfiling flushes and stops the profiler if it was started.
func StopProfiling() {
	if profiler == nil {
		return
	}
	if err := profiler.Stop(); err != nil {
		log.Warn().Err(err).Msg("Profiler stop error")
	}
	profiler = nil
}
