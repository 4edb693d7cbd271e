package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/lobwife/internal/shared"
)

const nullableString = `{"type": ["string", "null"]}`

var schemaSources = map[string]string{
	"create_task.json": `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"slug": ` + nullableString + `,
			"type": {"type": "string"},
			"status": {"enum": ["queued", "active", "blocked", "completed", "failed", "cancelled"]},
			"priority": {"enum": ["low", "normal", "high", "critical"]},
			"model": ` + nullableString + `,
			"assigned_to": ` + nullableString + `,
			"repos": {"type": ["array", "null"], "items": {"type": "string"}},
			"thread_id": ` + nullableString + `,
			"discord_thread_id": ` + nullableString + `,
			"estimate_minutes": {"type": ["integer", "null"], "minimum": 0},
			"requires_qa": {"type": ["boolean", "null"]},
			"workflow": ` + nullableString + `,
			"objective": ` + nullableString + `,
			"actor": ` + nullableString + `
		}
	}`,
	"update_task.json": `{
		"type": "object",
		"properties": {
			"status": {"enum": ["queued", "active", "blocked", "completed", "failed", "cancelled"]},
			"priority": {"enum": ["low", "normal", "high", "critical"]},
			"estimate_minutes": {"type": ["integer", "null"], "minimum": 0},
			"requires_qa": {"type": "boolean"},
			"repos": {"type": ["array", "null"], "items": {"type": "string"}},
			"actor": ` + nullableString + `
		}
	}`,
	"task_event.json": `{
		"type": "object",
		"required": ["event_type"],
		"properties": {
			"event_type": {"type": "string", "pattern": "\\S"},
			"detail": ` + nullableString + `,
			"actor": ` + nullableString + `
		}
	}`,
	"register.json": `{
		"type": "object",
		"required": ["repos"],
		"properties": {
			"repos": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"lobster_type": {"type": "string"}
		}
	}`,
	"token.json": `{
		"type": "object",
		"required": ["task_id"],
		"properties": {
			"task_id": {"type": ["string", "integer"], "minLength": 1}
		}
	}`,
}

// schemas holds the compiled request-body schemas.
type schemas struct {
	byName map[string]*jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	for name, src := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	out := &schemas{byName: map[string]*jsonschema.Schema{}}
	for name := range schemaSources {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out.byName[name] = sch
	}
	return out, nil
}

// decode reads r's body, validates it against the named schema and
// unmarshals it into dst. Failures are validation errors.
func (s *schemas) decode(r *http.Request, name string, dst any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return shared.Errorf(shared.ErrValidation, "request body too large")
		}
		return shared.Errorf(shared.ErrValidation, "read body: %v", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return shared.Errorf(shared.ErrValidation, "invalid JSON")
	}
	if err := s.byName[name].Validate(doc); err != nil {
		return shared.Errorf(shared.ErrValidation, "%s", validationMessage(err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return shared.Errorf(shared.ErrValidation, "invalid JSON")
	}
	return nil
}

// validationMessage names the first failing location, e.g.
// "invalid value at /priority".
func validationMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if len(ve.InstanceLocation) == 0 {
		return "invalid request body"
	}
	return "invalid value at /" + strings.Join(ve.InstanceLocation, "/")
}
