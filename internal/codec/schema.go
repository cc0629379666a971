package codec

// EnvelopeSchema describes the wire form of a models.Envelope. The if/then blocks tie the
// required data fields to the envelope type.
var EnvelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "type": { "enum": ["webhook", "email", "notification", "task", "analytics", "custom"] },
    "timestamp": { "type": "string", "format": "date-time" },
    "data": { "type": "object" },
    "metadata": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "required": ["type", "timestamp", "data"],
  "allOf": [
    {
      "if": { "properties": { "type": { "const": "webhook" } } },
      "then": { "properties": { "data": {
        "properties": {
          "url": { "type": "string", "minLength": 1 },
          "method": { "type": "string", "minLength": 1 },
          "headers": { "type": "object", "additionalProperties": { "type": "string" } },
          "body": { "type": "string" }
        },
        "required": ["url", "method", "headers"]
      } } }
    },
    {
      "if": { "properties": { "type": { "const": "email" } } },
      "then": { "properties": { "data": {
        "properties": {
          "to": { "type": "string" },
          "from": { "type": "string" },
          "subject": { "type": "string" },
          "body": { "type": "string" },
          "html": { "type": "string" }
        },
        "required": ["to", "from", "subject", "body"]
      } } }
    },
    {
      "if": { "properties": { "type": { "const": "notification" } } },
      "then": { "properties": { "data": {
        "properties": {
          "userId": { "type": "string" },
          "title": { "type": "string" },
          "message": { "type": "string" },
          "priority": { "enum": ["low", "medium", "high"] }
        },
        "required": ["userId", "title", "message", "priority"]
      } } }
    },
    {
      "if": { "properties": { "type": { "const": "task" } } },
      "then": { "properties": { "data": {
        "properties": {
          "taskId": { "type": "string" },
          "action": { "type": "string" },
          "payload": { "type": "object" }
        },
        "required": ["taskId", "action", "payload"]
      } } }
    },
    {
      "if": { "properties": { "type": { "const": "analytics" } } },
      "then": { "properties": { "data": {
        "properties": {
          "event": { "type": "string" },
          "properties": { "type": "object" },
          "userId": { "type": "string" }
        },
        "required": ["event", "properties"]
      } } }
    }
  ]
}`
