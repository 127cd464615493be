package history

import (
	"errors"
	"fmt"
)

var (
	// ErrThrottled rejects a passive update that exceeded the per-address budget.
	ErrThrottled = errors.New("history: throttled")

	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
)

// ServiceError carries an "operation.reason" code for unexpected store failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine readable failure code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "history.service.new"
	opRecord              = "history.record"
	opApply               = "history.apply"
	opList                = "history.list"
	opRemove              = "history.remove"
	opUpsert              = "history.upsert"
	opDeleteOtherEpisodes = "history.delete_other_episodes"
	opTrim                = "history.trim"
	opSetOverride         = "history.set_override"
	opListOverrides       = "history.list_overrides"
	opLatestWatched       = "history.latest_watched"

	reasonMissingDatabase = "missing_database"
	reasonMissingUserID   = "missing_user_id"
	reasonIDFailed        = "id_generation_failed"
	reasonLookupFailed    = "lookup_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonQueryFailed     = "query_failed"
	reasonCountFailed     = "count_failed"
	reasonConflictLost    = "conflict_unresolved"
	reasonEnqueueFailed   = "enqueue_failed"
	reasonPreference      = "preference_lookup_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
