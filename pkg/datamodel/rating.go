package datamodel

import (
	"fmt"
	"math"
)

type RatingType string

const (
	RatingFiveStar         RatingType = "five_star"
	RatingPassFail         RatingType = "pass_fail"
	RatingPassFailCritical RatingType = "pass_fail_critical"
	RatingCustom           RatingType = "custom"
)

// RequirementRating scores one task requirement.
type RequirementRating struct {
	Value float64    `json:"value"`
	Type  RatingType `json:"type" validate:"required,oneof=five_star pass_fail pass_fail_critical custom"`
}

type TaskOutputRating struct {
	Type               RatingType                   `json:"type" validate:"required,oneof=five_star pass_fail pass_fail_critical custom"`
	Value              *float64                     `json:"value,omitempty"`
	RequirementRatings map[string]RequirementRating `json:"requirement_ratings,omitempty" validate:"dive"`
}

func FiveStar(value float64) *TaskOutputRating {
	return &TaskOutputRating{Type: RatingFiveStar, Value: &value}
}

func PassFail(passed bool) *TaskOutputRating {
	v := 0.0
	if passed {
		v = 1.0
	}
	return &TaskOutputRating{Type: RatingPassFail, Value: &v}
}

// IsHighQuality reports whether the rating marks the output as good training data.
func (r *TaskOutputRating) IsHighQuality() bool {
	if r == nil || r.Value == nil {
		return false
	}
	switch r.Type {
	case RatingFiveStar:
		return *r.Value >= 4
	case RatingPassFail, RatingPassFailCritical:
		return *r.Value == 1.0
	default:
		return false
	}
}

func checkRatingValue(t RatingType, v float64) error {
	switch t {
	case RatingFiveStar:
		if v != math.Trunc(v) || v < 1 || v > 5 {
			return fmt.Errorf("five_star rating must be an integer from 1 to 5 (got %v)", v)
		}
	case RatingPassFail:
		if v != 0 && v != 1 {
			return fmt.Errorf("pass_fail rating must be 0 or 1 (got %v)", v)
		}
	case RatingPassFailCritical:
		if v != -1 && v != 0 && v != 1 {
			return fmt.Errorf("pass_fail_critical rating must be -1, 0 or 1 (got %v)", v)
		}
	}
	return nil
}

func (r *TaskOutputRating) validate() error {
	if r.Value != nil {
		if err := checkRatingValue(r.Type, *r.Value); err != nil {
			return err
		}
	}
	for id, req := range r.RequirementRatings {
		if err := checkRatingValue(req.Type, req.Value); err != nil {
			return fmt.Errorf("requirement %s: %w", id, err)
		}
	}
	return nil
}
