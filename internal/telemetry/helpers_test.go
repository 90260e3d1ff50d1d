package telemetry

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func resetMetricsForTest() {
	initOnce = sync.Once{}
	registered.Store(false)
	stateMu.Lock()
	if stateStopper != nil {
		stateStopper()
	}
	stateStopper = nil
	stateMu.Unlock()
	if procStopper != nil {
		procStopper()
	}
	procStopper = nil

	_ = bindInstruments(noop.NewMeterProvider().Meter("wswatch"))

	buildVersion = ""
	buildCommit = ""
	processStartUnix = float64(time.Now().UnixNano()) / 1e9
	includeServerVal.Store(true)
}
