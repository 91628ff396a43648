package domain

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const taskSchemaURL = "https://task-manager.local/schemas/task.json"

//go:embed task.schema.json
var taskSchemaJSON []byte

var (
	taskSchemaOnce sync.Once
	taskSchema     *jsonschema.Schema
	taskSchemaErr  error
)

func compiledTaskSchema() (*jsonschema.Schema, error) {
	taskSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(taskSchemaURL, bytes.NewReader(taskSchemaJSON)); err != nil {
			taskSchemaErr = err
			return
		}
		taskSchema, taskSchemaErr = compiler.Compile(taskSchemaURL)
	})
	return taskSchema, taskSchemaErr
}

// ValidateBody checks a stored task body against the task schema.
func ValidateBody(body map[string]any) error {
	schema, err := compiledTaskSchema()
	if err != nil {
		return fmt.Errorf("compile task schema: %w", err)
	}
	if err := schema.Validate(body); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return Invalid("Task record is malformed: %s", strings.Join(schemaMessages(ve, nil), "; "))
		}
		return Invalid("Task record is malformed: %v", err)
	}
	return nil
}

func schemaMessages(err *jsonschema.ValidationError, out []string) []string {
	if len(err.Causes) == 0 {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return append(out, loc+": "+err.Message)
	}
	for _, cause := range err.Causes {
		out = schemaMessages(cause, out)
	}
	return out
}
