package protocol

import (
	"github.com/invopop/jsonschema"
)

// Schemas returns JSON Schemas for the request and response envelopes, for
// plugin authors.
func Schemas() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	return map[string]*jsonschema.Schema{
		"request":  reflector.Reflect(&Request{}),
		"response": reflector.Reflect(&Response{}),
	}
}
