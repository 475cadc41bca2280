package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/kiln-ai/platform/pkg/datamodel"
	"github.com/kiln-ai/platform/pkg/dataset"
	"gorm.io/gorm"
)

var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrTaskRunNotFound      = errors.New("task run not found")
	ErrDatasetSplitNotFound = errors.New("dataset split not found")
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&TaskModel{}, &TaskRunModel{}, &DatasetSplitModel{})
}

func (r *Repository) CreateTask(ctx context.Context, task *datamodel.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(taskToModel(task)).Error
}

// GetTask loads the task together with its full run collection.
func (r *Repository) GetTask(ctx context.Context, taskID string) (*datamodel.Task, error) {
	model, err := r.getTaskModel(ctx, taskID)
	if err != nil {
		return nil, err
	}
	runs, err := r.ListRuns(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task := model.toTask()
	task.SetRuns(runs)
	return task, nil
}

// TaskVersion changes whenever the task or one of its runs changes.
func (r *Repository) TaskVersion(ctx context.Context, taskID string) (string, error) {
	model, err := r.getTaskModel(ctx, taskID)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(model.Version, 10), nil
}

func (r *Repository) getTaskModel(ctx context.Context, taskID string) (*TaskModel, error) {
	var model TaskModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", taskID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	return &model, result.Error
}

func (r *Repository) ListTasks(ctx context.Context, limit int) ([]*datamodel.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []TaskModel
	if err := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	tasks := make([]*datamodel.Task, 0, len(models))
	for i := range models {
		tasks = append(tasks, models[i].toTask())
	}
	return tasks, nil
}

func (r *Repository) AddRun(ctx context.Context, taskID string, run *datamodel.TaskRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	run.TaskID = taskID
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchTask(tx, taskID); err != nil {
			return err
		}
		return tx.Create(runToModel(run)).Error
	})
}

func (r *Repository) DeleteRun(ctx context.Context, taskID, runID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND task_id = ?", runID, taskID).Delete(&TaskRunModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrTaskRunNotFound
		}
		return touchTask(tx, taskID)
	})
}

func touchTask(tx *gorm.DB, taskID string) error {
	result := tx.Model(&TaskModel{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *Repository) ListRuns(ctx context.Context, taskID string) ([]*datamodel.TaskRun, error) {
	var models []TaskRunModel
	result := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("created_at asc, id asc").Find(&models)
	if result.Error != nil {
		return nil, result.Error
	}
	runs := make([]*datamodel.TaskRun, 0, len(models))
	for i := range models {
		runs = append(runs, models[i].toRun())
	}
	return runs, nil
}

func (r *Repository) SaveDatasetSplit(ctx context.Context, split *dataset.DatasetSplit) error {
	if err := split.Validate(); err != nil {
		return err
	}
	if _, err := r.getTaskModel(ctx, split.TaskID); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(splitToModel(split)).Error
}

func (r *Repository) GetDatasetSplit(ctx context.Context, taskID, splitID string) (*dataset.DatasetSplit, error) {
	var model DatasetSplitModel
	result := r.db.WithContext(ctx).First(&model, "id = ? AND task_id = ?", splitID, taskID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrDatasetSplitNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return model.toDatasetSplit(), nil
}

func (r *Repository) ListDatasetSplits(ctx context.Context, taskID string) ([]*dataset.DatasetSplit, error) {
	var models []DatasetSplitModel
	result := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("created_at desc").Find(&models)
	if result.Error != nil {
		return nil, result.Error
	}
	splits := make([]*dataset.DatasetSplit, 0, len(models))
	for i := range models {
		splits = append(splits, models[i].toDatasetSplit())
	}
	return splits, nil
}

// IsNotFound reports whether err is one of the repository's not found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrTaskRunNotFound) ||
		errors.Is(err, ErrDatasetSplitNotFound)
}
