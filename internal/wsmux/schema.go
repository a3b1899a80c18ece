package wsmux

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// A once-compiled schema registry validated against the decoded JSON
// payload before it's trusted as a well-formed envelope.

const envelopeSchemaSrc = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "id": { "type": "string" },
    "conversationId": { "type": "string" },
    "content": { "type": "string" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		envelopeSchema, envelopeSchemaErr = jsonschema.CompileString("envelope", envelopeSchemaSrc)
	})
	return envelopeSchema, envelopeSchemaErr
}

// validateEnvelopeBytes decodes raw as generic JSON and validates its
// shape against the envelope schema, before the caller trusts a
// struct-decoded Envelope built from the same bytes.
func validateEnvelopeBytes(raw []byte) error {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}
