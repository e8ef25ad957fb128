package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

const commitSchemaURL = "https://ubl.schemas.local/commit.schema.json"

// commitSchema pins the commit envelope's wire shape. Binary fields are hex
// or base64; physics_delta is a signed decimal string.
const commitSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["version", "container_id", "expected_sequence", "previous_hash", "atom_hash",
               "intent_class", "physics_delta", "author_pubkey", "signature"],
  "$defs": {
    "b32": {"type": "string", "pattern": "^([0-9a-fA-F]{64}|[A-Za-z0-9+/_-]{43}=?)$"},
    "b64": {"type": "string", "pattern": "^([0-9a-fA-F]{128}|[A-Za-z0-9+/_-]{86}(==)?)$"}
  },
  "properties": {
    "version": {"type": "integer", "minimum": 0, "maximum": 255},
    "container_id": {"$ref": "#/$defs/b32"},
    "expected_sequence": {"type": "integer", "minimum": 0},
    "previous_hash": {"$ref": "#/$defs/b32"},
    "atom_hash": {"$ref": "#/$defs/b32"},
    "intent_class": {"enum": ["Observation", "Conservation", "Entropy", "Evolution"]},
    "physics_delta": {"type": "string", "pattern": "^-?(0|[1-9][0-9]{0,38})$"},
    "author_pubkey": {"$ref": "#/$defs/b32"},
    "signature": {"$ref": "#/$defs/b64"},
    "pact": {
      "type": "object",
      "additionalProperties": false,
      "required": ["pact_id", "signatures"],
      "properties": {
        "pact_id": {"type": "string", "minLength": 1, "maxLength": 256},
        "signatures": {
          "type": "array",
          "maxItems": 255,
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["signer", "signature"],
            "properties": {
              "signer": {"$ref": "#/$defs/b32"},
              "signature": {"$ref": "#/$defs/b64"}
            }
          }
        }
      }
    }
  }
}`

// CommitDecoder validates request bodies against the commit schema and
// decodes them.
type CommitDecoder struct {
	schema *jsonschema.Schema
}

func NewCommitDecoder() (*CommitDecoder, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(commitSchemaURL, strings.NewReader(commitSchema)); err != nil {
		return nil, fmt.Errorf("commit schema load failed: %w", err)
	}
	s, err := c.Compile(commitSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("commit schema compile failed: %w", err)
	}
	return &CommitDecoder{schema: s}, nil
}

// Decode returns the commit in body or a *orchestrator.RequestError-classified
// error describing why it is malformed.
func (d *CommitDecoder) Decode(body []byte) (*contracts.Commit, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, requestErr("invalid JSON: %v", err)
	}
	if dec.More() {
		return nil, requestErr("trailing data after commit object")
	}
	if err := d.schema.Validate(doc); err != nil {
		return nil, requestErr("commit does not match schema: %v", err)
	}

	var c contracts.Commit
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, requestErr("invalid commit: %v", err)
	}
	return &c, nil
}
