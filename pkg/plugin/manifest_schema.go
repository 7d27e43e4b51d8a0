package plugin

// manifestSchema is the JSON schema every plugin manifest must satisfy
// before any of its fields are acted on.
const manifestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id", "name", "version", "worker"],
	"properties": {
		"id": {
			"type": "string",
			"pattern": "^[a-zA-Z0-9_-]+$",
			"minLength": 1,
			"maxLength": 64
		},
		"name": {
			"type": "string",
			"minLength": 1,
			"maxLength": 128
		},
		"version": {
			"type": "string",
			"pattern": "^\\d+\\.\\d+\\.\\d+$"
		},
		"description": {
			"type": "string",
			"maxLength": 1024
		},
		"worker": {
			"type": "string",
			"minLength": 1
		},
		"permissions": {
			"type": "object",
			"properties": {
				"env": {"type": "boolean"},
				"fileSystem": {"type": "boolean"},
				"network": {"type": "boolean"},
				"tools": {"type": "array", "items": {"type": "string"}},
				"commands": {"type": "array", "items": {"type": "string"}},
				"description": {"type": "string"}
			},
			"additionalProperties": false
		},
		"config": {
			"type": "object"
		},
		"timeoutMs": {
			"type": "integer",
			"minimum": 1000,
			"maximum": 300000
		},
		"memoryLimitMb": {
			"type": "integer",
			"minimum": 32,
			"maximum": 512
		}
	},
	"additionalProperties": false
}`
