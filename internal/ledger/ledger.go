// Package ledger records the last requested operation of every instance
// and its progress, so callers can poll it independently of the workflow
// doing the work.
//
// Each started operation is tagged with a generation token. Checkpoints and
// outcomes are only accepted from the holder of the current token while the
// entry is still in progress, so a superseded workflow can never overwrite
// the result of a newer one.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aliuygur/analytics-broker/internal/apperrs"
	"github.com/aliuygur/analytics-broker/internal/store"
)

type Kind string

const (
	KindCreate Kind = "create"
	KindRead   Kind = "read"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindRead, KindUpdate, KindDelete:
		return true
	}
	return false
}

type State string

const (
	StateInProgress State = store.StateInProgress
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Token identifies one workflow generation.
type Token string

// ErrStaleToken is returned when an outcome or checkpoint comes from a
// workflow that no longer owns the entry.
var ErrStaleToken = errors.New("ledger: stale operation token")

// ErrNotFound is returned by Query when the instance has no entry.
var ErrNotFound = errors.New("ledger: no operation recorded")

// Entry is the recorded state of the last operation of an instance.
type Entry struct {
	Kind        Kind
	State       State
	Description string
	Phase       string
	Token       Token
	UpdatedAt   time.Time
}

// InProgress is an entry together with the instance it belongs to.
type InProgress struct {
	Key   store.InstanceKey
	Entry Entry
}

type Ledger struct {
	q *store.Queries
}

func New(q *store.Queries) *Ledger {
	return &Ledger{q: q}
}

// WithTx returns a ledger that writes through q, typically a transaction.
func (l *Ledger) WithTx(q *store.Queries) *Ledger {
	return &Ledger{q: q}
}

// Start records a new in-progress operation unless one is already running
// for the instance, in which case it returns an OperationInProgress error.
func (l *Ledger) Start(ctx context.Context, key store.InstanceKey, kind Kind) (Token, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("ledger: invalid operation kind %q", kind)
	}
	token := Token(uuid.NewString())
	ok, err := l.q.StartOperation(ctx, store.Operation{
		PlatformID: key.PlatformID,
		InstanceID: key.InstanceID,
		Kind:       string(kind),
		Token:      string(token),
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperrs.Client(apperrs.CodeOperationInProgress,
			"another operation is in progress for this instance").
			SetMeta("instance_id", key.InstanceID)
	}
	return token, nil
}

// Checkpoint records phase as the last completed phase of the workflow.
func (l *Ledger) Checkpoint(ctx context.Context, key store.InstanceKey, token Token, phase, description string) error {
	ok, err := l.q.CheckpointOperation(ctx, key, string(token), phase, description)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStaleToken
	}
	return nil
}

// Finish moves the entry to succeeded or failed.
func (l *Ledger) Finish(ctx context.Context, key store.InstanceKey, token Token, succeeded bool, message string) error {
	state := StateFailed
	if succeeded {
		state = StateSucceeded
	}
	ok, err := l.q.FinishOperation(ctx, key, string(token), string(state), message)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStaleToken
	}
	return nil
}

// Query returns the entry of an instance or ErrNotFound.
func (l *Ledger) Query(ctx context.Context, key store.InstanceKey) (Entry, error) {
	op, err := l.q.GetOperation(ctx, key)
	if err != nil {
		if store.IsNotFoundError(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("failed to query operation: %w", err)
	}
	return entryFromOperation(op), nil
}

// Reclaim hands an in-progress entry to a new generation. The previous
// token stops being accepted.
func (l *Ledger) Reclaim(ctx context.Context, key store.InstanceKey) (Token, Entry, error) {
	entry, err := l.Query(ctx, key)
	if err != nil {
		return "", Entry{}, err
	}
	if entry.State != StateInProgress {
		return "", entry, ErrStaleToken
	}

	token := Token(uuid.NewString())
	ok, err := l.q.ReclaimOperation(ctx, key, string(entry.Token), string(token))
	if err != nil {
		return "", entry, err
	}
	if !ok {
		return "", entry, ErrStaleToken
	}
	entry.Token = token
	return token, entry, nil
}

// ListInProgress returns every entry still in progress, oldest first.
func (l *Ledger) ListInProgress(ctx context.Context) ([]InProgress, error) {
	ops, err := l.q.ListOperationsByState(ctx, string(StateInProgress))
	if err != nil {
		return nil, err
	}
	out := make([]InProgress, 0, len(ops))
	for _, op := range ops {
		out = append(out, InProgress{
			Key:   store.InstanceKey{PlatformID: op.PlatformID, InstanceID: op.InstanceID},
			Entry: entryFromOperation(op),
		})
	}
	return out, nil
}

func entryFromOperation(op store.Operation) Entry {
	return Entry{
		Kind:        Kind(op.Kind),
		State:       State(op.State),
		Description: op.Description,
		Phase:       op.Phase,
		Token:       Token(op.Token),
		UpdatedAt:   op.UpdatedAt,
	}
}
