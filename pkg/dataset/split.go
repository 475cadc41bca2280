package dataset

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiln-ai/platform/pkg/datamodel"
	"golang.org/x/exp/rand"
)

const percentageTolerance = 1e-9

// DatasetSplitDefinition names one bucket of a split and the share of runs it receives.
type DatasetSplitDefinition struct {
	Name        string  `json:"name" yaml:"name" validate:"required,max=120"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Percentage  float64 `json:"percentage" yaml:"percentage" validate:"gte=0,lte=1"`
}

// DatasetSplit is a frozen partition of a task's runs into named buckets. Runs
// are referenced by id only; they may be deleted from the task afterwards.
type DatasetSplit struct {
	ID            string                   `json:"id"`
	TaskID        string                   `json:"task_id"`
	Name          string                   `json:"name"`
	Description   string                   `json:"description,omitempty"`
	Splits        []DatasetSplitDefinition `json:"splits"`
	SplitContents map[string][]string      `json:"split_contents"`
	Filter        string                   `json:"filter,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`

	parent *datamodel.Task
}

type options struct {
	rng *rand.Rand
}

type Option func(*options)

// WithSeed makes the shuffle reproducible.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.rng = rand.New(rand.NewSource(seed))
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(o *options) {
		o.rng = rng
	}
}

// ValidateSplits checks a list of definitions meant to be used together.
func ValidateSplits(splits []DatasetSplitDefinition) error {
	seen := make(map[string]struct{}, len(splits))
	total := 0.0
	for i, split := range splits {
		if err := datamodel.Struct(split); err != nil {
			return ValidationError{reason: fmt.Errorf("split %d: %w", i, err)}
		}
		if _, dup := seen[split.Name]; dup {
			return ValidationError{reason: fmt.Errorf("duplicate split name '%s'", split.Name)}
		}
		seen[split.Name] = struct{}{}
		total += split.Percentage
	}
	if math.Abs(total-1.0) > percentageTolerance {
		return ValidationError{reason: fmt.Errorf("the sum of split percentages must be 1.0 (got %v)", total)}
	}
	return nil
}

// FromTask validates the definitions, then filters and partitions the task's runs.
func FromTask(name string, task *datamodel.Task, splits []DatasetSplitDefinition, filter DatasetFilter, description string, opts ...Option) (*DatasetSplit, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ValidationError{reason: fmt.Errorf("dataset split name required")}
	}
	if err := ValidateSplits(splits); err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNoParentTask
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	return &DatasetSplit{
		ID:            uuid.NewString(),
		TaskID:        task.ID,
		Name:          name,
		Description:   description,
		Splits:        append([]DatasetSplitDefinition(nil), splits...),
		SplitContents: BuildSplitContents(task.Runs(), splits, filter, o.rng),
		Filter:        filter.Name(),
		CreatedAt:     time.Now().UTC(),
		parent:        task,
	}, nil
}

// BuildSplitContents assigns every run accepted by filter to exactly one split.
// All but the last split receive a rounded share; the last takes the remainder.
func BuildSplitContents(runs []*datamodel.TaskRun, splits []DatasetSplitDefinition, filter DatasetFilter, rng *rand.Rand) map[string][]string {
	contents := make(map[string][]string, len(splits))
	if len(splits) == 0 {
		return contents
	}

	validIDs := make([]string, 0, len(runs))
	for _, run := range runs {
		if filter.Match(run) {
			validIDs = append(validIDs, run.ID)
		}
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	}
	rng.Shuffle(len(validIDs), func(i, j int) {
		validIDs[i], validIDs[j] = validIDs[j], validIDs[i]
	})

	start := 0
	for _, split := range splits[:len(splits)-1] {
		size := int(math.RoundToEven(float64(len(validIDs)) * split.Percentage))
		if size > len(validIDs)-start {
			size = len(validIDs) - start
		}
		contents[split.Name] = cloneIDs(validIDs[start : start+size])
		start += size
	}
	contents[splits[len(splits)-1].Name] = cloneIDs(validIDs[start:])

	return contents
}

func cloneIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func (d *DatasetSplit) ParentTask() *datamodel.Task {
	return d.parent
}

// SetParent attaches the owning task after the split is loaded from storage.
func (d *DatasetSplit) SetParent(task *datamodel.Task) {
	d.parent = task
}

func (d *DatasetSplit) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ValidationError{reason: fmt.Errorf("dataset split name required")}
	}
	return ValidateSplits(d.Splits)
}

// MissingCount reports how many referenced runs no longer exist in the parent task.
func (d *DatasetSplit) MissingCount() (int, error) {
	if d.parent == nil {
		return 0, ErrNoParentTask
	}
	existing := make(map[string]struct{}, len(d.parent.Runs()))
	for _, run := range d.parent.Runs() {
		existing[run.ID] = struct{}{}
	}
	missing := make(map[string]struct{})
	for _, ids := range d.SplitContents {
		for _, id := range ids {
			if _, ok := existing[id]; !ok {
				missing[id] = struct{}{}
			}
		}
	}
	return len(missing), nil
}

// Size returns the number of run ids in the named split.
func (d *DatasetSplit) Size(splitName string) int {
	return len(d.SplitContents[splitName])
}
