package storage

import (
	"time"

	"github.com/kiln-ai/platform/pkg/datamodel"
	"github.com/kiln-ai/platform/pkg/dataset"
	"gorm.io/datatypes"
)

type TaskModel struct {
	ID                  string    `gorm:"primaryKey;column:id"`
	Name                string    `gorm:"column:name"`
	Description         string    `gorm:"column:description"`
	Instruction         string    `gorm:"column:instruction"`
	OutputJSONSchema    string    `gorm:"column:output_json_schema"`
	InputJSONSchema     string    `gorm:"column:input_json_schema"`
	ThinkingInstruction string    `gorm:"column:thinking_instruction"`
	Version             int64     `gorm:"column:version;not null;default:1"`
	CreatedAt           time.Time `gorm:"column:created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at"`
}

func (TaskModel) TableName() string {
	return "tasks"
}

type TaskRunModel struct {
	ID                  string                                    `gorm:"primaryKey;column:id"`
	TaskID              string                                    `gorm:"column:task_id;index"`
	Input               string                                    `gorm:"column:input"`
	InputSource         datatypes.JSONType[*datamodel.DataSource] `gorm:"column:input_source"`
	Output              datatypes.JSONType[datamodel.TaskOutput]  `gorm:"column:output"`
	RepairedOutput      datatypes.JSONType[*datamodel.TaskOutput] `gorm:"column:repaired_output"`
	RepairInstructions  *string                                   `gorm:"column:repair_instructions"`
	IntermediateOutputs datatypes.JSONType[map[string]string]     `gorm:"column:intermediate_outputs"`
	CreatedAt           time.Time                                 `gorm:"column:created_at;index"`
}

func (TaskRunModel) TableName() string {
	return "task_runs"
}

type DatasetSplitModel struct {
	ID            string                                               `gorm:"primaryKey;column:id"`
	TaskID        string                                               `gorm:"column:task_id;index"`
	Name          string                                               `gorm:"column:name"`
	Description   string                                               `gorm:"column:description"`
	Splits        datatypes.JSONType[[]dataset.DatasetSplitDefinition] `gorm:"column:splits"`
	SplitContents datatypes.JSONType[map[string][]string]              `gorm:"column:split_contents"`
	Filter        string                                               `gorm:"column:filter"`
	CreatedAt     time.Time                                            `gorm:"column:created_at"`
}

func (DatasetSplitModel) TableName() string {
	return "dataset_splits"
}

func taskToModel(task *datamodel.Task) *TaskModel {
	return &TaskModel{
		ID:                  task.ID,
		Name:                task.Name,
		Description:         task.Description,
		Instruction:         task.Instruction,
		OutputJSONSchema:    task.OutputJSONSchema,
		InputJSONSchema:     task.InputJSONSchema,
		ThinkingInstruction: task.ThinkingInstruction,
		Version:             1,
		CreatedAt:           task.CreatedAt,
		UpdatedAt:           task.UpdatedAt,
	}
}

func (m *TaskModel) toTask() *datamodel.Task {
	return &datamodel.Task{
		ID:                  m.ID,
		Name:                m.Name,
		Description:         m.Description,
		Instruction:         m.Instruction,
		OutputJSONSchema:    m.OutputJSONSchema,
		InputJSONSchema:     m.InputJSONSchema,
		ThinkingInstruction: m.ThinkingInstruction,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func runToModel(run *datamodel.TaskRun) *TaskRunModel {
	return &TaskRunModel{
		ID:                  run.ID,
		TaskID:              run.TaskID,
		Input:               run.Input,
		InputSource:         datatypes.NewJSONType(run.InputSource),
		Output:              datatypes.NewJSONType(run.Output),
		RepairedOutput:      datatypes.NewJSONType(run.RepairedOutput),
		RepairInstructions:  run.RepairInstructions,
		IntermediateOutputs: datatypes.NewJSONType(run.IntermediateOutputs),
		CreatedAt:           run.CreatedAt,
	}
}

func (m *TaskRunModel) toRun() *datamodel.TaskRun {
	return &datamodel.TaskRun{
		ID:                  m.ID,
		TaskID:              m.TaskID,
		Input:               m.Input,
		InputSource:         m.InputSource.Data(),
		Output:              m.Output.Data(),
		RepairedOutput:      m.RepairedOutput.Data(),
		RepairInstructions:  m.RepairInstructions,
		IntermediateOutputs: m.IntermediateOutputs.Data(),
		CreatedAt:           m.CreatedAt,
	}
}

func splitToModel(split *dataset.DatasetSplit) *DatasetSplitModel {
	return &DatasetSplitModel{
		ID:            split.ID,
		TaskID:        split.TaskID,
		Name:          split.Name,
		Description:   split.Description,
		Splits:        datatypes.NewJSONType(split.Splits),
		SplitContents: datatypes.NewJSONType(split.SplitContents),
		Filter:        split.Filter,
		CreatedAt:     split.CreatedAt,
	}
}

func (m *DatasetSplitModel) toDatasetSplit() *dataset.DatasetSplit {
	return &dataset.DatasetSplit{
		ID:            m.ID,
		TaskID:        m.TaskID,
		Name:          m.Name,
		Description:   m.Description,
		Splits:        m.Splits.Data(),
		SplitContents: m.SplitContents.Data(),
		Filter:        m.Filter,
		CreatedAt:     m.CreatedAt,
	}
}
