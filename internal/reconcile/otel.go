package reconcile

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/inviso/scenesync/internal/reconcile"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
