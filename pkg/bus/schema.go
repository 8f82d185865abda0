package bus

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/caracal-sh/caracal/pkg/contracts"
)

// Payload schemas, one per topic. Validation runs on the consumer side so a
// malformed producer cannot poison a handler; unknown extra fields pass.
var topicSchemas = map[string]*jsonschema.Schema{
	contracts.TopicMetering:      mustCompile("metering.json", meteringSchema),
	contracts.TopicDecisions:     mustCompile("decision.json", decisionSchema),
	contracts.TopicLifecycle:     mustCompile("lifecycle.json", lifecycleSchema),
	contracts.TopicPolicyChanges: mustCompile("policy_change.json", policyChangeSchema),
	contracts.TopicDLQ:           mustCompile("dlq.json", dlqSchema),
}

func mustCompile(name, src string) *jsonschema.Schema {
	sch, err := jsonschema.CompileString(name, src)
	if err != nil {
		panic(fmt.Sprintf("bus schema %s: %v", name, err))
	}
	return sch
}

// ValidateMessage checks a payload against its topic's schema. Topics without
// a registered schema pass unchecked.
func ValidateMessage(topic string, value []byte) error {
	sch, ok := topicSchemas[topic]
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(value, &doc); err != nil {
		return fmt.Errorf("bus schema %s: payload is not JSON: %w", topic, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("bus schema %s: %w", topic, err)
	}
	return nil
}

const meteringSchema = `{
  "type": "object",
  "required": ["schema_version", "principal_id", "resource_type", "quantity", "cost_minor_units", "currency", "ts_ms"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "principal_id": {"type": "string", "format": "uuid"},
    "mandate_id": {"type": "string"},
    "resource_type": {"type": "string", "minLength": 1},
    "quantity": {"type": "integer", "minimum": 0},
    "cost_minor_units": {"type": "integer", "minimum": 0},
    "currency": {"type": "string", "minLength": 3, "maxLength": 3},
    "ts_ms": {"type": "integer", "minimum": 0},
    "correlation_id": {"type": "string"},
    "metadata": {"type": "object"}
  }
}`

const decisionSchema = `{
  "type": "object",
  "required": ["schema_version", "principal_id", "action", "resource", "allowed", "reason", "ts_ms"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "principal_id": {"type": "string", "minLength": 36, "maxLength": 36},
    "mandate_id": {"type": "string"},
    "action": {"type": "string", "minLength": 1},
    "resource": {"type": "string", "minLength": 1},
    "allowed": {"type": "boolean"},
    "reason": {"type": "string", "minLength": 1},
    "ts_ms": {"type": "integer", "minimum": 0},
    "correlation_id": {"type": "string"}
  }
}`

const lifecycleSchema = `{
  "type": "object",
  "required": ["schema_version", "principal_id", "ts_ms"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "principal_id": {"type": "string"},
    "mandate_id": {"type": "string"},
    "change": {"type": "string"},
    "ts_ms": {"type": "integer", "minimum": 0}
  }
}`

const policyChangeSchema = `{
  "type": "object",
  "required": ["schema_version", "change", "ts_ms"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "principal_id": {"type": "string"},
    "mandate_id": {"type": "string"},
    "change": {"type": "string", "enum": ["revoke", "policy_activated"]},
    "ts_ms": {"type": "integer", "minimum": 0}
  }
}`

const dlqSchema = `{
  "type": "object",
  "required": ["dlq_id", "original_topic", "original_partition", "original_offset", "original_value", "error_type", "error_message", "retry_count", "failure_timestamp", "consumer_group"],
  "properties": {
    "dlq_id": {"type": "string"},
    "original_topic": {"type": "string", "minLength": 1},
    "original_partition": {"type": "integer", "minimum": 0},
    "original_offset": {"type": "integer", "minimum": 0},
    "original_key": {"type": "string"},
    "original_value": {"type": "string"},
    "error_type": {"type": "string"},
    "error_message": {"type": "string"},
    "retry_count": {"type": "integer", "minimum": 0},
    "failure_timestamp": {"type": "string"},
    "consumer_group": {"type": "string", "minLength": 1}
  }
}`
