package datamodel

import (
	"time"

	"github.com/google/uuid"
)

type DataSourceType string

const (
	DataSourceHuman     DataSourceType = "human"
	DataSourceSynthetic DataSourceType = "synthetic"
)

// Intermediate output keys recorded by model adapters.
const (
	IntermediateChainOfThought = "chain_of_thought"
	IntermediateReasoning      = "reasoning"
)

// DataSource records where an input or output came from.
type DataSource struct {
	Type       DataSourceType    `json:"type" validate:"required,oneof=human synthetic"`
	Properties map[string]string `json:"properties,omitempty"`
}

func HumanSource(createdBy string) DataSource {
	return DataSource{Type: DataSourceHuman, Properties: map[string]string{"created_by": createdBy}}
}

func SyntheticSource(modelName, modelProvider, adapterName string) DataSource {
	return DataSource{Type: DataSourceSynthetic, Properties: map[string]string{
		"model_name":     modelName,
		"model_provider": modelProvider,
		"adapter_name":   adapterName,
	}}
}

// TaskOutput is an answer produced by a model or a person.
type TaskOutput struct {
	Output string            `json:"output"`
	Source DataSource        `json:"source"`
	Rating *TaskOutputRating `json:"rating,omitempty"`
}

// TaskRun is one recorded input/output execution of a task.
type TaskRun struct {
	ID                  string            `json:"id" validate:"required"`
	TaskID              string            `json:"task_id,omitempty"`
	Input               string            `json:"input"`
	InputSource         *DataSource       `json:"input_source,omitempty"`
	Output              TaskOutput        `json:"output"`
	RepairedOutput      *TaskOutput       `json:"repaired_output,omitempty"`
	RepairInstructions  *string           `json:"repair_instructions,omitempty"`
	IntermediateOutputs map[string]string `json:"intermediate_outputs,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

func NewTaskRun(input string, inputSource DataSource, output TaskOutput) *TaskRun {
	return &TaskRun{
		ID:          uuid.NewString(),
		Input:       input,
		InputSource: &inputSource,
		Output:      output,
		CreatedAt:   time.Now().UTC(),
	}
}

// Repair attaches a corrected output. The repaired output carries no rating.
func (r *TaskRun) Repair(instructions string, output TaskOutput) error {
	output.Rating = nil
	r.RepairInstructions = &instructions
	r.RepairedOutput = &output
	return r.Validate()
}

// ChainOfThought returns the recorded thinking for the run, if any.
func (r *TaskRun) ChainOfThought() (string, bool) {
	for _, key := range []string{IntermediateChainOfThought, IntermediateReasoning} {
		if v, ok := r.IntermediateOutputs[key]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}
