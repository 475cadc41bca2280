package studio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kiln-ai/platform/pkg/datamodel"
)

var validate = validator.New()

type CreateTaskRequest struct {
	Name                string `json:"name" validate:"required,max=120"`
	Description         string `json:"description,omitempty"`
	Instruction         string `json:"instruction" validate:"required"`
	OutputJSONSchema    string `json:"output_json_schema,omitempty"`
	InputJSONSchema     string `json:"input_json_schema,omitempty"`
	ThinkingInstruction string `json:"thinking_instruction,omitempty"`
}

type CreateRunRequest struct {
	Input               string                `json:"input" validate:"required"`
	InputSource         *datamodel.DataSource `json:"input_source,omitempty"`
	Output              datamodel.TaskOutput  `json:"output"`
	RepairedOutput      *datamodel.TaskOutput `json:"repaired_output,omitempty"`
	RepairInstructions  *string               `json:"repair_instructions,omitempty"`
	IntermediateOutputs map[string]string     `json:"intermediate_outputs,omitempty"`
}

type CreateDatasetSplitRequest struct {
	DatasetSplitType string `json:"dataset_split_type" validate:"required"`
	FilterType       string `json:"filter_type" validate:"required"`
	Name             string `json:"name,omitempty" validate:"max=120"`
	Description      string `json:"description,omitempty"`
}

type ExportRequest struct {
	SplitName            string `json:"split_name" validate:"required"`
	Format               string `json:"format_type" validate:"required"`
	SystemMessage        string `json:"system_message"`
	ThinkingInstructions string `json:"thinking_instructions,omitempty"`
	DataStrategy         string `json:"data_strategy,omitempty"`
}

// ValidationError is a request that failed validation.
type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

func checkRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationError{reason: err}
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return ValidationError{reason: errors.New(strings.Join(msgs, "; "))}
}
