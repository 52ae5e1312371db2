package orchestrator

import (
	"errors"
	"fmt"

	"github.com/aliuygur/analytics-broker/internal/apperrs"
)

// ErrorKind classifies workflow failures. Workflow errors never reach the
// caller of an operation; they are written to the ledger.
type ErrorKind string

const (
	KindExhausted          ErrorKind = "Exhausted"
	KindDeploymentFailure  ErrorKind = "DeploymentFailure"
	KindInstallFailure     ErrorKind = "InstallFailure"
	KindConfigFetchFailure ErrorKind = "ConfigFetchFailure"
	KindDataStoreFailure   ErrorKind = "DataStoreFailure"
	KindTimeout            ErrorKind = "Timeout"
	KindUnsupported        ErrorKind = "Unsupported"
	KindInternal           ErrorKind = "InternalFailure"
)

type WorkflowError struct {
	Kind  ErrorKind
	Phase Phase
	Err   error
}

func (e *WorkflowError) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Phase, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func errUnknownPlatform(id string) error {
	return apperrs.Client(apperrs.CodeUnknownPlatform, "unknown platform").SetMeta("platform_id", id)
}

func errUnknownInstance(id string) error {
	return apperrs.Client(apperrs.CodeUnknownInstance, "unknown instance").SetMeta("instance_id", id)
}

func errWrongPlatform(id string) error {
	return apperrs.Client(apperrs.CodeWrongPlatform, "instance belongs to another platform").SetMeta("instance_id", id)
}

// errDeleted is UnknownInstance for a tombstone; the deleted flag lets the
// HTTP layer answer 410.
func errDeleted(id string) error {
	return apperrs.Client(apperrs.CodeUnknownInstance, "instance has been deleted").
		SetMeta("instance_id", id).
		SetMeta("deleted", true)
}

// IsDeleted reports whether err was returned for a tombstoned instance.
func IsDeleted(err error) bool {
	var appErr *apperrs.Error
	if !errors.As(err, &appErr) {
		return false
	}
	deleted, _ := appErr.Meta["deleted"].(bool)
	return deleted
}

func errInvalid(msg string) *apperrs.Error {
	return apperrs.Client(apperrs.CodeInvalidInput, msg)
}
