package storage

import (
	"context"
	"testing"

	"github.com/kiln-ai/platform/pkg/datamodel"
	"github.com/kiln-ai/platform/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	repo := NewRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func newRun(output string) *datamodel.TaskRun {
	return datamodel.NewTaskRun("input", datamodel.HumanSource("test-user"), datamodel.TaskOutput{
		Output: output,
		Source: datamodel.SyntheticSource("gpt-4", "openai", "langchain"),
		Rating: datamodel.FiveStar(5),
	})
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	task := datamodel.NewTask("Jokes", "Tell a joke")
	task.ThinkingInstruction = "Think about the audience."
	require.NoError(t, repo.CreateTask(ctx, task))

	run := newRun("a joke")
	run.IntermediateOutputs = map[string]string{datamodel.IntermediateChainOfThought: "hmm"}
	require.NoError(t, run.Repair("funnier", datamodel.TaskOutput{Output: "a better joke", Source: datamodel.HumanSource("editor")}))
	require.NoError(t, repo.AddRun(ctx, task.ID, run))
	require.NoError(t, repo.AddRun(ctx, task.ID, newRun("plain")))

	loaded, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Think about the audience.", loaded.ThinkingInstruction)
	require.Len(t, loaded.Runs(), 2)

	var got *datamodel.TaskRun
	for _, r := range loaded.Runs() {
		if r.ID == run.ID {
			got = r
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.TaskID)
	require.NotNil(t, got.RepairedOutput)
	assert.Equal(t, "a better joke", got.RepairedOutput.Output)
	assert.Equal(t, "funnier", *got.RepairInstructions)
	assert.True(t, got.Output.Rating.IsHighQuality())
	assert.Equal(t, "test-user", got.InputSource.Properties["created_by"])
	cot, ok := got.ChainOfThought()
	assert.True(t, ok)
	assert.Equal(t, "hmm", cot)
}

func TestGetTaskNotFound(t *testing.T) {
	repo := newTestRepository(t)
	_, err := repo.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.True(t, IsNotFound(err))
}

func TestRunChangesBumpTaskVersion(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	task := datamodel.NewTask("Jokes", "Tell a joke")
	require.NoError(t, repo.CreateTask(ctx, task))

	v1, err := repo.TaskVersion(ctx, task.ID)
	require.NoError(t, err)

	run := newRun("a joke")
	require.NoError(t, repo.AddRun(ctx, task.ID, run))
	v2, err := repo.TaskVersion(ctx, task.ID)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	require.NoError(t, repo.DeleteRun(ctx, task.ID, run.ID))
	v3, err := repo.TaskVersion(ctx, task.ID)
	require.NoError(t, err)
	assert.NotEqual(t, v2, v3)

	assert.ErrorIs(t, repo.DeleteRun(ctx, task.ID, run.ID), ErrTaskRunNotFound)
	assert.ErrorIs(t, repo.AddRun(ctx, "missing", newRun("x")), ErrTaskNotFound)
}

func TestAddRunValidates(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	task := datamodel.NewTask("Jokes", "Tell a joke")
	require.NoError(t, repo.CreateTask(ctx, task))

	run := newRun("a joke")
	run.RepairedOutput = &datamodel.TaskOutput{Output: "fixed", Source: datamodel.HumanSource("editor")}
	err := repo.AddRun(ctx, task.ID, run)
	assert.True(t, datamodel.IsValidationError(err))
}

func TestDatasetSplitRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	task := datamodel.NewTask("Jokes", "Tell a joke")
	require.NoError(t, repo.CreateTask(ctx, task))
	for i := 0; i < 5; i++ {
		run := newRun("a joke")
		require.NoError(t, task.AddRun(run))
		require.NoError(t, repo.AddRun(ctx, task.ID, run))
	}

	split, err := dataset.FromTask("first", task, dataset.Train80Test20SplitDefinition, dataset.HighRatingFilter(), "desc")
	require.NoError(t, err)
	require.NoError(t, repo.SaveDatasetSplit(ctx, split))

	loaded, err := repo.GetDatasetSplit(ctx, task.ID, split.ID)
	require.NoError(t, err)
	assert.Equal(t, split.SplitContents, loaded.SplitContents)
	assert.Equal(t, split.Splits, loaded.Splits)
	assert.Equal(t, "high_rating", loaded.Filter)
	assert.Nil(t, loaded.ParentTask())

	splits, err := repo.ListDatasetSplits(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, splits, 1)

	_, err = repo.GetDatasetSplit(ctx, "other-task", split.ID)
	assert.ErrorIs(t, err, ErrDatasetSplitNotFound)

	orphan, err := dataset.FromTask("orphan", datamodel.NewTask("Other", "x"), dataset.AllSplitDefinition, dataset.AllFilter(), "")
	require.NoError(t, err)
	assert.ErrorIs(t, repo.SaveDatasetSplit(ctx, orphan), ErrTaskNotFound)
}
