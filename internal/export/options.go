package export

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

type DataType string

const (
	DataMentions DataType = "mentions"
	DataPosts    DataType = "posts"
)

// DateRange bounds exported records by creation (mentions) or publish (posts) time.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Options describes one export request.
type Options struct {
	Format                Format     `json:"format" validate:"required,oneof=csv json"`
	DataType              DataType   `json:"data_type" validate:"required,oneof=mentions posts"`
	UserID                string     `json:"user_id" validate:"required"`
	IntegrationID         *int64     `json:"integration_id,omitempty" validate:"omitempty,gt=0"`
	ProviderID            *int64     `json:"provider_id,omitempty" validate:"omitempty,gt=0"`
	DateRange             *DateRange `json:"date_range,omitempty"`
	IncludeAspectAnalyses bool       `json:"include_aspect_analyses"`
}

var validate = validator.New()

// Validate checks field constraints and that the date range is ordered.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid export options: %w", err)
	}
	if o.DateRange != nil && o.DateRange.End.Before(o.DateRange.Start) {
		return errors.New("invalid export options: date range end precedes start")
	}
	return nil
}
