package argon

import (
	"errors"

	"github.com/throw-if-null/catalyst/internal/fault"
	"github.com/throw-if-null/catalyst/internal/paths"
	"github.com/throw-if-null/catalyst/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// runErr maps store and path errors for a run id onto faults.
func runErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fault.NotFound("Run")
	case errors.Is(err, store.ErrConflict):
		return fault.Validation(fault.Issue{Path: "run_id", Message: "run id already used by another task", Code: "conflict"})
	case errors.Is(err, paths.ErrInvalidRunID):
		return invalidRunID()
	case errors.Is(err, paths.ErrInvalidTaskName):
		return fault.Validation(fault.Issue{Path: "task", Message: "invalid task name", Code: "invalid_name"})
	}
	return err
}

func invalidRunID() error {
	return fault.Validation(fault.Issue{
		Path:    "run_id",
		Message: "run id must be 1-64 characters of letters, digits, '.', '_' or '-'",
		Code:    "invalid_id",
	})
}
