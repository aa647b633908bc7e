package plugin

// ManifestSchema is the JSON Schema for plugin manifest validation
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "version", "main"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z0-9-]+$"
    },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "string",
      "minLength": 1
    },
    "description": { "type": "string" },
    "author": { "type": "string" },
    "main": {
      "type": "string",
      "minLength": 1
    },
    "host": {
      "type": "string",
      "description": "Semver constraint on the gateway version (e.g. >= 0.1.0)"
    },
    "tools": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    }
  }
}`
