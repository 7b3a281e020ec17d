package command

import "go.opentelemetry.io/otel"

const scopeName = "github.com/mattjoyce/palaver/internal/command"

var tracer = otel.Tracer(scopeName)
