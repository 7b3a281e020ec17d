package dispatch

import "go.opentelemetry.io/otel"

const scopeName = "github.com/mattjoyce/palaver/internal/dispatch"

var tracer = otel.Tracer(scopeName)
