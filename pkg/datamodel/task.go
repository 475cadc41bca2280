package datamodel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
)

// Task defines a unit of work and owns the runs recorded for it.
type Task struct {
	ID                  string    `json:"id" validate:"required"`
	Name                string    `json:"name" validate:"required,max=120"`
	Description         string    `json:"description,omitempty"`
	Instruction         string    `json:"instruction" validate:"required"`
	OutputJSONSchema    string    `json:"output_json_schema,omitempty"`
	InputJSONSchema     string    `json:"input_json_schema,omitempty"`
	ThinkingInstruction string    `json:"thinking_instruction,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`

	runs []*TaskRun
}

func NewTask(name, instruction string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Instruction: instruction,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Runs returns the full run collection of the task.
func (t *Task) Runs() []*TaskRun {
	return t.runs
}

func (t *Task) SetRuns(runs []*TaskRun) {
	t.runs = runs
}

func (t *Task) AddRun(run *TaskRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	run.TaskID = t.ID
	t.runs = append(t.runs, run)
	return nil
}

func (t *Task) Validate() error {
	if err := Struct(t); err != nil {
		return err
	}
	for field, raw := range map[string]string{
		"output_json_schema": t.OutputJSONSchema,
		"input_json_schema":  t.InputJSONSchema,
	} {
		if raw == "" {
			continue
		}
		if _, err := parseObjectSchema(raw); err != nil {
			return invalid("%s: %v", field, err)
		}
	}
	return nil
}

// OutputSchema returns the parsed output schema, or nil for plain text tasks.
func (t *Task) OutputSchema() (*jsonschema.Schema, error) {
	if t.OutputJSONSchema == "" {
		return nil, nil
	}
	return parseObjectSchema(t.OutputJSONSchema)
}

func (t *Task) InputSchema() (*jsonschema.Schema, error) {
	if t.InputJSONSchema == "" {
		return nil, nil
	}
	return parseObjectSchema(t.InputJSONSchema)
}

func parseObjectSchema(raw string) (*jsonschema.Schema, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return nil, fmt.Errorf("invalid JSON schema: %w", err)
	}
	if schema.Type != "object" {
		return nil, fmt.Errorf("JSON schema must be an object schema (got type %q)", schema.Type)
	}
	return &schema, nil
}
