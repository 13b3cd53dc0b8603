package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// LadderStep is one attempt at adding a uniqueness guarantee on the key.
type LadderStep struct {
	// Name is reported in Result.Guarantee when the step succeeds.
	Name string
	SQL  string
}

// Standard step names.
const (
	GuaranteeExisting   = "existing"
	GuaranteeCreated    = "created"
	GuaranteePrimaryKey = "primary_key"
	GuaranteeConstraint = "unique_constraint"
	GuaranteeIndex      = "unique_index"
)

// LadderError is returned when every step of the constraint ladder failed.
// The destination cannot be merged into without a unique key.
type LadderError struct {
	Table    string
	Key      string
	Attempts []error
}

func (e *LadderError) Error() string {
	msgs := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		msgs[i] = a.Error()
	}
	return fmt.Sprintf("ensure unique key %s(%s): all attempts failed: %s", e.Table, e.Key, strings.Join(msgs, "; "))
}

// Unwrap exposes every attempt to errors.Is / errors.As.
func (e *LadderError) Unwrap() []error { return e.Attempts }

// RunLadder tries steps in order with try (which must isolate each attempt,
// e.g. in a savepoint) and stops at the first success. It returns the name of
// the step that succeeded or a *LadderError.
func RunLadder(ctx context.Context, log logrus.FieldLogger, table, key string, steps []LadderStep, try func(ctx context.Context, step LadderStep) error) (string, error) {
	lerr := &LadderError{Table: table, Key: key}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		err := try(ctx, s)
		if err == nil {
			log.WithFields(logrus.Fields{"table": table, "key": key, "step": s.Name}).Info("unique key ensured")
			return s.Name, nil
		}
		log.WithFields(logrus.Fields{"table": table, "key": key, "step": s.Name}).WithError(err).Warn("unique key attempt failed")
		lerr.Attempts = append(lerr.Attempts, fmt.Errorf("%s: %w", s.Name, err))
	}
	if len(lerr.Attempts) == 0 {
		return "", errors.New("ensure unique key: no steps")
	}
	return "", lerr
}
