package intake

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	jss "github.com/kaptinlin/jsonschema"

	"github.com/rcssrunner/runner/internal/model"
)

//go:embed schemas/add_game.schema.json
var schemaFS embed.FS

const schemaPath = "schemas/add_game.schema.json"

// Parser turns a delivery body into a job descriptor.
type Parser struct {
	schema   *jss.Schema
	tolerant bool
}

// NewParser compiles the embedded job schema. A tolerant parser repairs
// bodies of legacy producers before decoding: single quotes become double
// quotes, spaces and CRLF are removed. The repair also strips spaces from
// values, so server_config must not rely on them.
func NewParser(tolerant bool) (*Parser, error) {
	b, err := schemaFS.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("reading embedded schema: %w", err)
	}
	compiler := jss.NewCompiler()
	schema, err := compiler.Compile(b)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Parser{
		schema:   schema,
		tolerant: tolerant,
	}, nil
}

// Parse returns model.ErrMalformedMessage for a body which is not a JSON
// object and model.ErrJobRejected for an object not matching the job schema.
func (p *Parser) Parse(body []byte) (model.GameInfo, error) {
	var zero model.GameInfo
	if p.tolerant {
		body = normalize(body)
	}

	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return zero, fmt.Errorf("%w: %w", model.ErrMalformedMessage, err)
	}
	if doc == nil {
		return zero, fmt.Errorf("%w: body is not a JSON object", model.ErrMalformedMessage)
	}
	if dec.More() {
		return zero, fmt.Errorf("%w: trailing data after JSON object", model.ErrMalformedMessage)
	}

	res := p.schema.Validate(body)
	if !res.Valid {
		var errorMsgs []string
		for _, err := range res.Errors {
			errorMsgs = append(errorMsgs, fmt.Sprintf("%s: %s", err.Keyword, err.Error()))
		}
		return zero, fmt.Errorf("%w: schema validation failed: %s",
			model.ErrJobRejected, strings.Join(errorMsgs, "; "))
	}

	var msg model.AddGameMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return zero, fmt.Errorf("%w: %w", model.ErrJobRejected, err)
	}
	return msg.GameInfo, nil
}

// Tolerant reports whether legacy bodies are normalized before parsing.
func (p *Parser) Tolerant() bool {
	return p.tolerant
}

func normalize(body []byte) []byte {
	s := string(body)
	s = strings.ReplaceAll(s, "'", `"`)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\r\n", "")
	return []byte(s)
}
