package webhook

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// graphNotificationSchema guards the push payload before any field is
// trusted. Unknown extra fields are allowed, missing required ones are not.
const graphNotificationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["value"],
	"properties": {
		"value": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["subscriptionId", "changeType"],
				"properties": {
					"subscriptionId": {"type": "string", "minLength": 1},
					"clientState": {"type": "string"},
					"changeType": {"type": "string"},
					"resource": {"type": "string"}
				}
			}
		}
	}
}`

func compileNotificationSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphNotificationSchema))
	if err != nil {
		panic(err)
	}
	if err := compiler.AddResource("notification.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("notification.json")
}
