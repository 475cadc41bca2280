package dataset

import (
	"fmt"

	"github.com/kiln-ai/platform/pkg/datamodel"
)

type FilterKind string

const (
	FilterAll        FilterKind = "all"
	FilterHighRating FilterKind = "high_rating"
	FilterCustom     FilterKind = "custom"
)

// DatasetFilter selects which runs are eligible for a split. The zero value
// accepts every run.
type DatasetFilter struct {
	kind      FilterKind
	name      string
	predicate func(*datamodel.TaskRun) bool
}

func AllFilter() DatasetFilter {
	return DatasetFilter{kind: FilterAll}
}

// HighRatingFilter keeps runs whose original output is rated high quality.
func HighRatingFilter() DatasetFilter {
	return DatasetFilter{kind: FilterHighRating}
}

func CustomFilter(name string, predicate func(*datamodel.TaskRun) bool) DatasetFilter {
	return DatasetFilter{kind: FilterCustom, name: name, predicate: predicate}
}

// FilterFromType resolves the filter names accepted at the API boundary.
func FilterFromType(name string) (DatasetFilter, error) {
	switch FilterKind(name) {
	case FilterAll:
		return AllFilter(), nil
	case FilterHighRating:
		return HighRatingFilter(), nil
	}
	return DatasetFilter{}, ValidationError{reason: fmt.Errorf("unknown filter type '%s'", name)}
}

func (f DatasetFilter) Kind() FilterKind {
	if f.kind == "" {
		return FilterAll
	}
	return f.kind
}

func (f DatasetFilter) Name() string {
	if f.kind == FilterCustom && f.name != "" {
		return f.name
	}
	return string(f.Kind())
}

func (f DatasetFilter) Match(run *datamodel.TaskRun) bool {
	switch f.Kind() {
	case FilterHighRating:
		return run.Output.Rating.IsHighQuality()
	case FilterCustom:
		return f.predicate != nil && f.predicate(run)
	default:
		return true
	}
}
