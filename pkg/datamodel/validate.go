package datamodel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var (
	errRepairPairing  = errors.New("repaired_output and repair_instructions must be set together")
	errRepairedRating = errors.New("repaired_output must not have a rating: a repaired output is correct by definition")
)

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

func invalid(format string, args ...interface{}) error {
	return ValidationError{reason: fmt.Errorf(format, args...)}
}

// Struct runs the tag based checks and reports them as a ValidationError.
func Struct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationError{reason: err}
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return ValidationError{reason: errors.New(strings.Join(msgs, "; "))}
}

var requiredProperties = map[DataSourceType][]string{
	DataSourceHuman:     {"created_by"},
	DataSourceSynthetic: {"model_name", "model_provider", "adapter_name"},
}

func (s DataSource) Validate() error {
	if err := Struct(s); err != nil {
		return err
	}
	for _, prop := range requiredProperties[s.Type] {
		if strings.TrimSpace(s.Properties[prop]) == "" {
			return invalid("'%s' is required for %s data source", prop, s.Type)
		}
	}
	return nil
}

func (o *TaskOutput) Validate() error {
	if err := o.Source.Validate(); err != nil {
		return err
	}
	if o.Rating != nil {
		if err := Struct(o.Rating); err != nil {
			return err
		}
		if err := o.Rating.validate(); err != nil {
			return ValidationError{reason: err}
		}
	}
	return nil
}

// Validate checks the run and its outputs, including the repair invariants.
func (r *TaskRun) Validate() error {
	if err := Struct(r); err != nil {
		return err
	}
	if r.InputSource != nil {
		if err := r.InputSource.Validate(); err != nil {
			return err
		}
	}
	if err := r.Output.Validate(); err != nil {
		return err
	}
	if (r.RepairedOutput == nil) != (r.RepairInstructions == nil) {
		return ValidationError{reason: errRepairPairing}
	}
	if r.RepairedOutput != nil {
		if r.RepairedOutput.Rating != nil {
			return ValidationError{reason: errRepairedRating}
		}
		if err := r.RepairedOutput.Validate(); err != nil {
			return err
		}
	}
	return nil
}
