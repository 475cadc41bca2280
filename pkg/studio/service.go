package studio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kiln-ai/platform/pkg/cache"
	"github.com/kiln-ai/platform/pkg/common/logger"
	"github.com/kiln-ai/platform/pkg/common/models"
	"github.com/kiln-ai/platform/pkg/datamodel"
	"github.com/kiln-ai/platform/pkg/dataset"
	"github.com/kiln-ai/platform/pkg/finetune"
	"github.com/kiln-ai/platform/pkg/observability/metrics"
	"github.com/kiln-ai/platform/pkg/storage"
)

const eventSource = "studio"

type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type Options struct {
	Cache  cache.Cache
	Events EventPublisher
	// ExportRequests queues exports for the export worker. Nil disables queueing.
	ExportRequests EventPublisher
	Presets        dataset.Presets
	// ExportDir receives exported files. Empty means the system temp directory.
	ExportDir string
	// ShuffleSeed makes split shuffling reproducible when non-zero.
	ShuffleSeed uint64
}

type Service struct {
	repo      *storage.Repository
	cache     cache.Cache
	events    EventPublisher
	requests  EventPublisher
	presets   dataset.Presets
	exportDir string
	seed      uint64
	now       func() time.Time
}

// DatasetSplitView is a stored split plus how many of its runs were since deleted.
type DatasetSplitView struct {
	*dataset.DatasetSplit
	MissingCount int `json:"missing_count"`
}

type taskSnapshot struct {
	Task *datamodel.Task      `json:"task"`
	Runs []*datamodel.TaskRun `json:"runs"`
}

func NewService(repo *storage.Repository, opts Options) (*Service, error) {
	s := &Service{
		repo:      repo,
		cache:     opts.Cache,
		events:    opts.Events,
		requests:  opts.ExportRequests,
		presets:   opts.Presets,
		exportDir: opts.ExportDir,
		seed:      opts.ShuffleSeed,
		now:       time.Now,
	}
	if s.cache == nil {
		s.cache = cache.Noop{}
	}
	if s.presets == nil {
		s.presets = dataset.DefaultPresets()
	}
	if s.exportDir != "" {
		if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*datamodel.Task, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	task := datamodel.NewTask(req.Name, req.Instruction)
	task.Description = req.Description
	task.OutputJSONSchema = req.OutputJSONSchema
	task.InputJSONSchema = req.InputJSONSchema
	task.ThinkingInstruction = req.ThinkingInstruction
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) ListTasks(ctx context.Context, limit int) ([]*datamodel.Task, error) {
	return s.repo.ListTasks(ctx, limit)
}

// GetTask returns the task with its runs, served from the snapshot cache while
// the stored task version is unchanged.
func (s *Service) GetTask(ctx context.Context, taskID string) (*datamodel.Task, error) {
	version, err := s.repo.TaskVersion(ctx, taskID)
	if err != nil {
		return nil, err
	}

	value, hit, err := cache.Lookup(ctx, s.cache, taskID, version)
	if err != nil {
		logger.Log.WithError(err).WithField("task_id", taskID).Warn("task cache lookup failed")
	}
	if hit {
		var snap taskSnapshot
		if err := json.Unmarshal(value, &snap); err == nil && snap.Task != nil {
			metrics.ObserveTaskCache(true)
			snap.Task.SetRuns(snap.Runs)
			return snap.Task, nil
		}
	}
	metrics.ObserveTaskCache(false)

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(taskSnapshot{Task: task, Runs: task.Runs()}); err == nil {
		if err := s.cache.Set(ctx, taskID, cache.Entry{Value: data, Token: version}); err != nil {
			logger.Log.WithError(err).WithField("task_id", taskID).Warn("task cache store failed")
		}
	}
	return task, nil
}

func (s *Service) AddRun(ctx context.Context, taskID string, req CreateRunRequest) (*datamodel.TaskRun, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	run := &datamodel.TaskRun{
		ID:                  newRunID(),
		Input:               req.Input,
		InputSource:         req.InputSource,
		Output:              req.Output,
		RepairedOutput:      req.RepairedOutput,
		RepairInstructions:  req.RepairInstructions,
		IntermediateOutputs: req.IntermediateOutputs,
		CreatedAt:           s.now().UTC(),
	}
	if err := s.repo.AddRun(ctx, taskID, run); err != nil {
		return nil, err
	}
	s.invalidate(ctx, taskID)
	return run, nil
}

func (s *Service) ListRuns(ctx context.Context, taskID string) ([]*datamodel.TaskRun, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return task.Runs(), nil
}

func (s *Service) DeleteRun(ctx context.Context, taskID, runID string) error {
	if err := s.repo.DeleteRun(ctx, taskID, runID); err != nil {
		return err
	}
	s.invalidate(ctx, taskID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, taskID string) {
	if err := s.cache.Invalidate(ctx, taskID); err != nil {
		logger.Log.WithError(err).WithField("task_id", taskID).Warn("task cache invalidation failed")
	}
}

// CreateDatasetSplit freezes a new split of the task's current runs.
func (s *Service) CreateDatasetSplit(ctx context.Context, taskID string, req CreateDatasetSplitRequest) (*dataset.DatasetSplit, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	definitions, err := s.presets.Lookup(req.DatasetSplitType)
	if err != nil {
		return nil, err
	}
	filter, err := dataset.FilterFromType(req.FilterType)
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s filter-%s split-%s", s.now().Format("2006-01-02 15-04-05"), req.FilterType, req.DatasetSplitType)
	}
	var opts []dataset.Option
	if s.seed != 0 {
		opts = append(opts, dataset.WithSeed(s.seed))
	}

	split, err := dataset.FromTask(name, task, definitions, filter, req.Description, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveDatasetSplit(ctx, split); err != nil {
		return nil, err
	}
	metrics.ObserveSplitCreated()

	sizes := make(map[string]interface{}, len(split.SplitContents))
	for splitName, ids := range split.SplitContents {
		sizes[splitName] = len(ids)
	}
	s.publish(ctx, models.EventDatasetSplitCreated, map[string]interface{}{
		"task_id":          taskID,
		"dataset_split_id": split.ID,
		"name":             split.Name,
		"filter":           split.Filter,
		"sizes":            sizes,
	})
	return split, nil
}

func (s *Service) ListDatasetSplits(ctx context.Context, taskID string) ([]*dataset.DatasetSplit, error) {
	if _, err := s.repo.TaskVersion(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListDatasetSplits(ctx, taskID)
}

func (s *Service) GetDatasetSplit(ctx context.Context, taskID, splitID string) (*DatasetSplitView, error) {
	split, err := s.loadDatasetSplit(ctx, taskID, splitID)
	if err != nil {
		return nil, err
	}
	missing, err := split.MissingCount()
	if err != nil {
		return nil, err
	}
	return &DatasetSplitView{DatasetSplit: split, MissingCount: missing}, nil
}

func (s *Service) loadDatasetSplit(ctx context.Context, taskID, splitID string) (*dataset.DatasetSplit, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	split, err := s.repo.GetDatasetSplit(ctx, taskID, splitID)
	if err != nil {
		return nil, err
	}
	split.SetParent(task)
	return split, nil
}

func (s *Service) formatter(ctx context.Context, taskID, splitID string, req ExportRequest) (*finetune.DatasetFormatter, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	strategy, err := finetune.ParseDataStrategy(req.DataStrategy)
	if err != nil {
		return nil, err
	}
	split, err := s.loadDatasetSplit(ctx, taskID, splitID)
	if err != nil {
		return nil, err
	}
	return finetune.NewDatasetFormatter(split, finetune.FormatterOptions{
		SystemMessage:        req.SystemMessage,
		ThinkingInstructions: req.ThinkingInstructions,
		DataStrategy:         strategy,
	})
}

// Export writes one split of a stored dataset to the export directory.
func (s *Service) Export(ctx context.Context, taskID, splitID string, req ExportRequest) (*finetune.ExportResult, error) {
	result, err := s.export(ctx, taskID, splitID, req)
	fields := map[string]interface{}{
		"task_id":          taskID,
		"dataset_split_id": splitID,
		"split_name":       req.SplitName,
		"format":           req.Format,
	}
	if err != nil {
		metrics.ObserveExportFailed()
		fields["error"] = err.Error()
		s.publish(ctx, models.EventDatasetExportFailed, fields)
		return nil, err
	}

	metrics.ObserveExport(result.Lines, result.Tokens.Total)
	fields["path"] = result.Path
	fields["lines"] = result.Lines
	fields["tokens"] = result.Tokens.Total
	s.publish(ctx, models.EventDatasetExported, fields)
	logger.Log.WithFields(fields).Info("dataset exported")
	return result, nil
}

func (s *Service) export(ctx context.Context, taskID, splitID string, req ExportRequest) (*finetune.ExportResult, error) {
	f, err := s.formatter(ctx, taskID, splitID, req)
	if err != nil {
		return nil, err
	}
	format := finetune.DatasetFormat(req.Format)
	path := ""
	if s.exportDir != "" {
		path = filepath.Join(s.exportDir, filepath.Base(f.DefaultPath(req.SplitName, format)))
	}
	return f.Export(req.SplitName, format, path)
}

// Download writes one split as JSONL to w without touching the filesystem.
func (s *Service) Download(ctx context.Context, w io.Writer, taskID, splitID string, req ExportRequest) (int, error) {
	f, err := s.formatter(ctx, taskID, splitID, req)
	if err != nil {
		return 0, err
	}
	return f.WriteTo(w, req.SplitName, finetune.DatasetFormat(req.Format))
}

// QueueExport checks that the split and format exist, then hands the export to
// the export worker.
func (s *Service) QueueExport(ctx context.Context, taskID, splitID string, req ExportRequest) error {
	if s.requests == nil {
		return ErrExportQueueDisabled
	}
	f, err := s.formatter(ctx, taskID, splitID, req)
	if err != nil {
		return err
	}
	if err := f.Check(req.SplitName, finetune.DatasetFormat(req.Format)); err != nil {
		return err
	}
	return s.requests.PublishEvent(ctx, models.EventDatasetExportRequested, eventSource, map[string]interface{}{
		"task_id":               taskID,
		"dataset_split_id":      splitID,
		"split_name":            req.SplitName,
		"format":                req.Format,
		"system_message":        req.SystemMessage,
		"thinking_instructions": req.ThinkingInstructions,
		"data_strategy":         req.DataStrategy,
	})
}

// HandleExportEvent runs a queued export request.
func (s *Service) HandleExportEvent(ctx context.Context, event models.Event) error {
	if event.Type != models.EventDatasetExportRequested {
		return nil
	}
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	var req models.ExportRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decoding export request: %w", err)
	}

	_, err = s.Export(ctx, req.TaskID, req.DatasetSplitID, ExportRequest{
		SplitName:            req.SplitName,
		Format:               req.Format,
		SystemMessage:        req.SystemMessage,
		ThinkingInstructions: req.ThinkingInstructions,
		DataStrategy:         req.DataStrategy,
	})
	if err != nil && IsPermanent(err) {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("dropping export request")
		return nil
	}
	return err
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishEvent(ctx, eventType, eventSource, data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("failed to publish event")
	}
}
