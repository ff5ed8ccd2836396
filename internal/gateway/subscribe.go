package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// subscriptionSchema constrains the subscription control payload before any
// handler logic runs.
const subscriptionSchema = `{
	"type": "object",
	"required": ["client_id", "action", "directories"],
	"properties": {
		"client_id": {"type": "string", "minLength": 1},
		"action": {"type": "string", "enum": ["add", "remove"]},
		"directories": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		}
	},
	"additionalProperties": false
}`

type subscriptionRequest struct {
	ClientID    string   `json:"client_id"`
	Action      string   `json:"action"`
	Directories []string `json:"directories"`
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledSubscriptionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(subscriptionSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal subscription schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("subscription.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("subscription.json")
	})
	return compiledSchema, schemaErr
}

// decodeSubscriptionRequest validates the body against the schema and then
// decodes it.
func decodeSubscriptionRequest(body io.Reader) (subscriptionRequest, error) {
	var req subscriptionRequest

	raw, err := io.ReadAll(io.LimitReader(body, 1<<16))
	if err != nil {
		return req, fmt.Errorf("read body: %w", err)
	}

	schema, err := compiledSubscriptionSchema()
	if err != nil {
		return req, err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return req, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return req, fmt.Errorf("invalid subscription request: %w", err)
	}

	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("decode subscription request: %w", err)
	}
	return req, nil
}
