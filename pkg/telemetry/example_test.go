package telemetry_test

import (
	"context"
	"fmt"

	"github.com/passportd/passportd/pkg/engine"
	"github.com/passportd/passportd/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Logging.Level = "fatal"
	cfg.Logging.Output = "stderr"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	logger := tel.Logger.Component("anchorer")
	logger.Info().Str("protocol_id", "p-1").Msg("anchored")

	tel.Metrics.RecordFailure(engine.KindNotFound)
	fmt.Println(tel.Metrics.Path())
	// Output: /metrics
}
