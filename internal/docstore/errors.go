package docstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ConflictError reports a stale version on save or a uniqueness violation
// on a natural key. The caller must re-read and resubmit; it is never
// retried automatically.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string   { return e.Msg }
func (e *ConflictError) HTTPStatus() int { return http.StatusConflict }

// ValidationError reports malformed input or a disallowed change. It is
// raised before any mutation. Status defaults to 400 and carries 401/403
// for authorization rules.
type ValidationError struct {
	Msg    string
	Status int
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusBadRequest
	}
	return e.Status
}

type NotFoundError struct {
	Table string
	ID    int64
}

func (e *NotFoundError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("%s: id %d not found", e.Table, e.ID)
	}
	return fmt.Sprintf("%s: not found", e.Table)
}

func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

// ConnectivityError wraps a backend-unreachable or timeout failure. No
// partial persist happened, so the caller may retry the whole operation.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: backend unavailable: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error   { return e.Err }
func (e *ConnectivityError) HTTPStatus() int { return http.StatusServiceUnavailable }

// ExternalLookupError reports a failed outbound lookup (avatar fetch). A
// bare timeout is not an error at all, it is a benign "nothing found".
type ExternalLookupError struct {
	Subject string
	Err     error
}

func (e *ExternalLookupError) Error() string {
	return fmt.Sprintf("external lookup for %q failed: %v", e.Subject, e.Err)
}
func (e *ExternalLookupError) Unwrap() error   { return e.Err }
func (e *ExternalLookupError) HTTPStatus() int { return http.StatusBadGateway }

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsConnectivity(err error) bool {
	var e *ConnectivityError
	return errors.As(err, &e)
}

func IsExternalLookup(err error) bool {
	var e *ExternalLookupError
	return errors.As(err, &e)
}

// HTTPStatus maps a core error to an HTTP-style status for outer layers.
func HTTPStatus(err error) int {
	var s interface{ HTTPStatus() int }
	if errors.As(err, &s) {
		return s.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// classify converts driver-level failures into the core taxonomy. Unique
// violations become conflicts, connection-class failures become
// connectivity errors, everything else passes through with the operation
// name attached.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return &ConflictError{Msg: fmt.Sprintf("%s: duplicate key: %s", op, pgErr.Detail)}
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return &ConnectivityError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &ConnectivityError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
