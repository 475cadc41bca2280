package studio

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiln-ai/platform/pkg/datamodel"
	"github.com/kiln-ai/platform/pkg/dataset"
	"github.com/kiln-ai/platform/pkg/finetune"
	"github.com/kiln-ai/platform/pkg/storage"
)

var ErrExportQueueDisabled = errors.New("export queue is not configured")

func newRunID() string {
	return uuid.NewString()
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case IsValidationError(err),
		datamodel.IsValidationError(err),
		dataset.IsValidationError(err),
		errors.Is(err, finetune.ErrUnsupportedFormat),
		errors.Is(err, finetune.ErrUnsupportedDataStrategy),
		errors.Is(err, finetune.ErrUnknownProvider):
		return http.StatusBadRequest
	case storage.IsNotFound(err),
		finetune.IsNotFound(err):
		return http.StatusNotFound
	case finetune.IsMalformedData(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, finetune.ErrNoParentTask),
		errors.Is(err, dataset.ErrNoParentTask):
		return http.StatusConflict
	case errors.Is(err, ErrExportQueueDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// IsPermanent reports whether retrying the operation cannot succeed.
func IsPermanent(err error) bool {
	return statusFor(err) < http.StatusInternalServerError
}
