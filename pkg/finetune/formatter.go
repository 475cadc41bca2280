package finetune

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kiln-ai/platform/pkg/datamodel"
	"github.com/kiln-ai/platform/pkg/dataset"
)

// FormatterOptions controls the prompt side of every generated record.
type FormatterOptions struct {
	SystemMessage string
	// ThinkingInstructions overrides the task's thinking instruction when the
	// strategy includes intermediate output.
	ThinkingInstructions string
	DataStrategy         DataStrategy
}

// DatasetFormatter renders the splits of one dataset as fine-tuning JSONL.
type DatasetFormatter struct {
	dataset *dataset.DatasetSplit
	task    *datamodel.Task
	opts    FormatterOptions
}

// ExportResult describes a written dataset file.
type ExportResult struct {
	Path   string     `json:"path"`
	Split  string     `json:"split"`
	Format string     `json:"format"`
	Lines  int        `json:"lines"`
	Tokens TokenStats `json:"tokens"`
}

func NewDatasetFormatter(ds *dataset.DatasetSplit, opts FormatterOptions) (*DatasetFormatter, error) {
	if ds == nil || ds.ParentTask() == nil {
		return nil, ErrNoParentTask
	}
	if opts.DataStrategy == "" {
		opts.DataStrategy = StrategyFinalOnly
	}
	if _, err := ParseDataStrategy(string(opts.DataStrategy)); err != nil {
		return nil, err
	}
	return &DatasetFormatter{dataset: ds, task: ds.ParentTask(), opts: opts}, nil
}

// DumpToFile writes the split in the given format and returns the file path.
// An empty path writes to the system temp directory.
func (f *DatasetFormatter) DumpToFile(splitName string, format DatasetFormat, path string) (string, error) {
	path, _, err := f.dump(splitName, format, path)
	return path, err
}

// Export is DumpToFile plus line and token statistics for the written file.
func (f *DatasetFormatter) Export(splitName string, format DatasetFormat, path string) (*ExportResult, error) {
	path, lines, err := f.dump(splitName, format, path)
	if err != nil {
		return nil, err
	}
	return &ExportResult{
		Path:   path,
		Split:  splitName,
		Format: string(format),
		Lines:  len(lines),
		Tokens: CountTokens(lines),
	}, nil
}

func (f *DatasetFormatter) dump(splitName string, format DatasetFormat, path string) (string, [][]byte, error) {
	lines, err := f.Lines(splitName, format)
	if err != nil {
		return "", nil, err
	}
	if path == "" {
		path = f.DefaultPath(splitName, format)
	}
	if err := writeFileAtomic(path, lines); err != nil {
		return "", nil, err
	}
	return path, lines, nil
}

// WriteTo streams the split to w once every record has been generated.
func (f *DatasetFormatter) WriteTo(w io.Writer, splitName string, format DatasetFormat) (int, error) {
	lines, err := f.Lines(splitName, format)
	if err != nil {
		return 0, err
	}
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			return 0, err
		}
	}
	return len(lines), nil
}

// DefaultPath is the temp file used when no output path is given.
func (f *DatasetFormatter) DefaultPath(splitName string, format DatasetFormat) string {
	name := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(f.dataset.Name)
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s_%s_%s.jsonl", name, splitName, format))
}

// Check reports whether the format is registered and the split exists without
// rendering anything.
func (f *DatasetFormatter) Check(splitName string, format DatasetFormat) error {
	if _, err := lookupFormat(format); err != nil {
		return err
	}
	if _, ok := f.dataset.SplitContents[splitName]; !ok {
		return fmt.Errorf("%w: %s", ErrSplitNotFound, splitName)
	}
	return nil
}

// Lines renders every run of the split, in stored order, as newline-terminated
// JSON. Nothing is returned unless every run renders.
func (f *DatasetFormatter) Lines(splitName string, format DatasetFormat) ([][]byte, error) {
	if err := f.Check(splitName, format); err != nil {
		return nil, err
	}
	generator, err := lookupFormat(format)
	if err != nil {
		return nil, err
	}
	ids := f.dataset.SplitContents[splitName]

	var schema *jsonschema.Schema
	if format == FormatOpenAIChatJSONSchema {
		if schema, err = f.task.OutputSchema(); err != nil {
			return nil, err
		}
	}

	runsByID := make(map[string]*datamodel.TaskRun, len(f.task.Runs()))
	for _, run := range f.task.Runs() {
		runsByID[run.ID] = run
	}

	lines := make([][]byte, 0, len(ids))
	for _, id := range ids {
		run, ok := runsByID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTaskRunNotFound, id)
		}
		data, err := f.trainingData(run)
		if err != nil {
			return nil, err
		}
		data.OutputSchema = schema

		record, err := generator(data)
		if err != nil {
			return nil, err
		}
		line, err := encodeLine(record)
		if err != nil {
			return nil, fmt.Errorf("encoding task run %s: %w", id, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (f *DatasetFormatter) trainingData(run *datamodel.TaskRun) (TrainingData, error) {
	data := TrainingData{
		RunID:         run.ID,
		SystemMessage: f.opts.SystemMessage,
		Input:         run.Input,
		FinalOutput:   BestTaskOutput(run).Output,
	}
	if f.opts.DataStrategy != StrategyFinalAndIntermediate {
		return data, nil
	}

	thinking, ok := run.ChainOfThought()
	if !ok {
		return TrainingData{}, malformed(run.ID, "data strategy %s requires intermediate output", StrategyFinalAndIntermediate)
	}
	data.Thinking = thinking
	data.ThinkingInstructions = f.thinkingInstructions()
	return data, nil
}

func (f *DatasetFormatter) thinkingInstructions() string {
	if f.opts.ThinkingInstructions != "" {
		return f.opts.ThinkingInstructions
	}
	if f.task.ThinkingInstruction != "" {
		return f.task.ThinkingInstruction
	}
	return DefaultThinkingInstructions
}

// encodeLine keeps non-ASCII and HTML characters literal.
func encodeLine(record any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, lines [][]byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating dataset file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("creating dataset file: %w", err)
	}
	for _, line := range lines {
		if _, err := tmp.Write(line); err != nil {
			tmp.Close()
			return fmt.Errorf("writing dataset file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing dataset file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("moving dataset file into place: %w", err)
	}
	return nil
}
