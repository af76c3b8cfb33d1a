package deployfields

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "aether://deployfields.schema.json"

// ValidationError lists every problem found in a set of values.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid deployment fields: " + strings.Join(e.Problems, "; ")
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// jsonSchema builds the JSON Schema document for user-supplied values.
// Values may not contain line breaks since they are written verbatim into
// the deployment's env file.
func jsonSchema() map[string]any {
	props := map[string]any{}
	required := []string{}
	dependent := map[string][]string{}
	for _, f := range catalog {
		if f.Class == ClassAuto {
			continue
		}
		props[f.Name] = map[string]any{
			"type":      "string",
			"minLength": 1,
			"pattern":   `^[^\r\n]*$`,
		}
		if f.Class == ClassMandatory {
			required = append(required, f.Name)
		}
		if f.DependsOn != "" {
			dependent[f.DependsOn] = append(dependent[f.DependsOn], f.Name)
		}
	}
	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"dependentRequired":    dependent,
		"additionalProperties": false,
	}
}

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := json.Marshal(jsonSchema())
		if err != nil {
			compileErr = fmt.Errorf("marshal field schema: %w", err)
			return
		}
		compiled, compileErr = jsonschema.CompileString(schemaURL, string(doc))
	})
	return compiled, compileErr
}

// Normalize trims whitespace and drops empty values, so a blank optional
// field counts as absent.
func Normalize(v Values) Values {
	out := Values{}
	for k, val := range v {
		k = strings.TrimSpace(k)
		val = strings.TrimSpace(val)
		if k == "" || val == "" {
			continue
		}
		out[k] = val
	}
	return out
}

// Validate normalizes v and checks it against the field schema. The returned
// error is a *ValidationError when the values are at fault.
func Validate(v Values) (Values, error) {
	norm := Normalize(v)
	sch, err := schema()
	if err != nil {
		return nil, err
	}

	doc := make(map[string]any, len(norm))
	for k, val := range norm {
		doc[k] = val
	}
	if err := sch.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, &ValidationError{Problems: leafMessages(ve)}
		}
		return nil, fmt.Errorf("validate fields: %w", err)
	}
	return norm, nil
}

func leafMessages(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			msg := e.Message
			if loc := strings.TrimPrefix(e.InstanceLocation, "/"); loc != "" {
				msg = loc + ": " + msg
			}
			out = append(out, msg)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}
