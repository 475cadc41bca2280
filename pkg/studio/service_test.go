package studio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kiln-ai/platform/pkg/cache"
	"github.com/kiln-ai/platform/pkg/common/models"
	"github.com/kiln-ai/platform/pkg/datamodel"
	"github.com/kiln-ai/platform/pkg/finetune"
	"github.com/kiln-ai/platform/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recordedEvent struct {
	Type string
	Data map[string]interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) PublishEvent(_ context.Context, eventType string, _ string, data map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Type: eventType, Data: data})
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	service   *Service
	repo      *storage.Repository
	events    *fakePublisher
	exportDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	repo := storage.NewRepository(db)
	require.NoError(t, repo.AutoMigrate())

	events := &fakePublisher{}
	exportDir := t.TempDir()
	svc, err := NewService(repo, Options{
		Cache:     cache.NewMemory(time.Minute),
		Events:    events,
		ExportDir: exportDir,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2024, 11, 5, 9, 30, 15, 0, time.UTC) }
	return &fixture{service: svc, repo: repo, events: events, exportDir: exportDir}
}

func (f *fixture) createTask(t *testing.T) *datamodel.Task {
	t.Helper()
	task, err := f.service.CreateTask(context.Background(), CreateTaskRequest{Name: "Jokes", Instruction: "Tell a joke"})
	require.NoError(t, err)
	return task
}

func (f *fixture) addRun(t *testing.T, taskID, output string, stars float64) *datamodel.TaskRun {
	t.Helper()
	source := datamodel.HumanSource("test-user")
	run, err := f.service.AddRun(context.Background(), taskID, CreateRunRequest{
		Input:       "tell me a joke",
		InputSource: &source,
		Output: datamodel.TaskOutput{
			Output: output,
			Source: datamodel.SyntheticSource("gpt-4", "openai", "langchain"),
			Rating: datamodel.FiveStar(stars),
		},
	})
	require.NoError(t, err)
	return run
}

func TestCreateTaskValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.CreateTask(context.Background(), CreateTaskRequest{Name: "No instruction"})
	assert.True(t, IsValidationError(err))

	_, err = f.service.CreateTask(context.Background(), CreateTaskRequest{Name: "Bad schema", Instruction: "x", OutputJSONSchema: `{"type":"array"}`})
	assert.True(t, datamodel.IsValidationError(err))
}

func TestGetTaskUsesSnapshotUntilRunsChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.createTask(t)
	f.addRun(t, task.ID, "one", 5)

	loaded, err := f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Runs(), 1)

	version, err := f.repo.TaskVersion(ctx, task.ID)
	require.NoError(t, err)
	_, hit, err := cache.Lookup(ctx, f.service.cache, task.ID, version)
	require.NoError(t, err)
	assert.True(t, hit)

	f.addRun(t, task.ID, "two", 5)
	loaded, err = f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Runs(), 2)

	_, err = f.service.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrTaskNotFound)
}

func TestCreateDatasetSplit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.createTask(t)
	for i := 0; i < 6; i++ {
		f.addRun(t, task.ID, "good", 5)
	}
	for i := 0; i < 4; i++ {
		f.addRun(t, task.ID, "bad", 1)
	}

	split, err := f.service.CreateDatasetSplit(ctx, task.ID, CreateDatasetSplitRequest{
		DatasetSplitType: "train_test",
		FilterType:       "high_rating",
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-11-05 09-30-15 filter-high_rating split-train_test", split.Name)
	assert.Len(t, split.SplitContents["train"], 5)
	assert.Len(t, split.SplitContents["test"], 1)
	assert.Contains(t, f.events.types(), models.EventDatasetSplitCreated)

	view, err := f.service.GetDatasetSplit(ctx, task.ID, split.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, view.MissingCount)

	require.NoError(t, f.service.DeleteRun(ctx, task.ID, split.SplitContents["train"][0]))
	view, err = f.service.GetDatasetSplit(ctx, task.ID, split.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.MissingCount)

	splits, err := f.service.ListDatasetSplits(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, splits, 1)
}

func TestCreateDatasetSplitRejectsUnknownTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.createTask(t)

	_, err := f.service.CreateDatasetSplit(ctx, task.ID, CreateDatasetSplitRequest{DatasetSplitType: "thirds", FilterType: "all"})
	assert.Equal(t, 400, statusFor(err))

	_, err = f.service.CreateDatasetSplit(ctx, task.ID, CreateDatasetSplitRequest{DatasetSplitType: "all", FilterType: "best"})
	assert.Equal(t, 400, statusFor(err))

	_, err = f.service.CreateDatasetSplit(ctx, "missing", CreateDatasetSplitRequest{DatasetSplitType: "all", FilterType: "all"})
	assert.Equal(t, 404, statusFor(err))
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.createTask(t)
	f.addRun(t, task.ID, "你好", 5)
	split, err := f.service.CreateDatasetSplit(ctx, task.ID, CreateDatasetSplitRequest{DatasetSplitType: "all", FilterType: "all", Name: "export test"})
	require.NoError(t, err)

	result, err := f.service.Export(ctx, task.ID, split.ID, ExportRequest{
		SplitName:     "all",
		Format:        string(finetune.FormatOpenAIChat),
		SystemMessage: "You are a comedian.",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Lines)
	assert.Equal(t, filepath.Join(f.exportDir, "export test_all_openai_chat_jsonl.jsonl"), result.Path)

	content, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "你好")
	assert.Contains(t, f.events.types(), models.EventDatasetExported)

	_, err = f.service.Export(ctx, task.ID, split.ID, ExportRequest{SplitName: "all", Format: string(finetune.FormatOpenAIChatToolCall)})
	assert.True(t, finetune.IsMalformedData(err))
	assert.Equal(t, 422, statusFor(err))
	assert.Contains(t, f.events.types(), models.EventDatasetExportFailed)

	_, err = f.service.Export(ctx, task.ID, split.ID, ExportRequest{SplitName: "train", Format: string(finetune.FormatOpenAIChat)})
	assert.Equal(t, 404, statusFor(err))
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.createTask(t)
	f.addRun(t, task.ID, `{"joke":"knock knock"}`, 5)
	split, err := f.service.CreateDatasetSplit(ctx, task.ID, CreateDatasetSplitRequest{DatasetSplitType: "all", FilterType: "all"})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := f.service.Download(ctx, &buf, task.ID, split.ID, ExportRequest{
		SplitName: "all",
		Format:    string(finetune.FormatHuggingFaceChatToolCall),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, strings.HasPrefix(buf.String(), `{"conversations":`))
}

func TestHandleExportEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.createTask(t)
	f.addRun(t, task.ID, "plain", 5)
	split, err := f.service.CreateDatasetSplit(ctx, task.ID, CreateDatasetSplitRequest{DatasetSplitType: "all", FilterType: "all", Name: "queued"})
	require.NoError(t, err)

	err = f.service.HandleExportEvent(ctx, models.Event{
		ID:   "evt-1",
		Type: models.EventDatasetExportRequested,
		Data: map[string]interface{}{
			"task_id":          task.ID,
			"dataset_split_id": split.ID,
			"split_name":       "all",
			"format":           string(finetune.FormatHuggingFaceChat),
			"system_message":   "sys",
		},
	})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.exportDir, "queued_all_huggingface_chat_template_jsonl.jsonl"))
	assert.NoError(t, err)

	// Requests that can never succeed are dropped rather than retried.
	err = f.service.HandleExportEvent(ctx, models.Event{
		ID:   "evt-2",
		Type: models.EventDatasetExportRequested,
		Data: map[string]interface{}{"task_id": task.ID, "dataset_split_id": "missing", "split_name": "all", "format": "openai_chat_jsonl"},
	})
	assert.NoError(t, err)

	assert.NoError(t, f.service.HandleExportEvent(ctx, models.Event{Type: "something.else"}))
}

func TestQueueExport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.createTask(t)
	f.addRun(t, task.ID, "plain", 5)
	split, err := f.service.CreateDatasetSplit(ctx, task.ID, CreateDatasetSplitRequest{DatasetSplitType: "all", FilterType: "all"})
	require.NoError(t, err)

	req := ExportRequest{SplitName: "all", Format: string(finetune.FormatOpenAIChat)}
	assert.ErrorIs(t, f.service.QueueExport(ctx, task.ID, split.ID, req), ErrExportQueueDisabled)

	requests := &fakePublisher{}
	f.service.requests = requests
	require.NoError(t, f.service.QueueExport(ctx, task.ID, split.ID, req))
	require.Len(t, requests.events, 1)
	queued := requests.events[0]
	assert.Equal(t, models.EventDatasetExportRequested, queued.Type)
	assert.Equal(t, split.ID, queued.Data["dataset_split_id"])

	// The queued payload is exactly what the worker consumes.
	require.NoError(t, f.service.HandleExportEvent(ctx, models.Event{Type: queued.Type, Data: queued.Data}))
	assert.Contains(t, f.events.types(), models.EventDatasetExported)

	err = f.service.QueueExport(ctx, task.ID, split.ID, ExportRequest{SplitName: "train", Format: string(finetune.FormatOpenAIChat)})
	assert.ErrorIs(t, err, finetune.ErrSplitNotFound)
	assert.Len(t, requests.events, 1)
}
