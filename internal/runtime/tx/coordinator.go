// Package tx implements the Best-Effort One-Phase-Commit protocol that binds
// one broker transaction to one optional SQL transaction per stage
// invocation.
//
// The commit order is fixed: SQL commit strictly precedes broker commit. The
// cost of that order is the BE-1PC window: if the broker commit fails after a
// successful SQL commit, the message is redelivered and the SQL side effects
// re-occur. User code is expected to be idempotent.
package tx

import (
	"context"
	"database/sql"
	"fmt"

	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
)

// BrokerTx is the slice of the broker session the coordinator drives.
type BrokerTx interface {
	Commit() error
	Rollback() error
}

// Coordinator demarcates one scope per received message. The SQL side is
// optional: scopes only join a SQL transaction when the processing lambda
// actually asks for one.
type Coordinator struct {
	db     *sql.DB
	logger loggingpkg.ServiceLogger
}

// NewCoordinator creates a coordinator. db may be nil, in which case scopes
// are broker-only and SQLTransaction returns an error.
func NewCoordinator(db *sql.DB, logger loggingpkg.ServiceLogger) *Coordinator {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Coordinator{db: db, logger: logger}
}

// Demarcation is the per-scope handle passed to the processing lambda. It
// owns the lazily opened SQL transaction. Not safe for concurrent use; it is
// confined to the worker running the scope.
type Demarcation struct {
	coordinator *Coordinator
	conn        *sql.Conn
	tx          *sql.Tx
}

// SQLTransaction lazily opens the scope's SQL transaction: on first call a
// connection is taken from the pool and a transaction is begun on it. Every
// later call in the same scope returns the same transaction. The coordinator
// commits or rolls it back when the scope ends; user code must not call
// Commit or Rollback on it.
func (d *Demarcation) SQLTransaction(ctx context.Context) (*sql.Tx, error) {
	if d.tx != nil {
		return d.tx, nil
	}
	if d.coordinator.db == nil {
		return nil, &errspkg.SQLDemarcationError{Op: "get", Err: fmt.Errorf("no sql datasource configured")}
	}
	conn, err := d.coordinator.db.Conn(ctx)
	if err != nil {
		return nil, &errspkg.SQLDemarcationError{Op: "get", Err: err}
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			d.coordinator.logger.Error("Failed to close SQL connection after failed begin", closeErr, nil)
		}
		return nil, &errspkg.SQLDemarcationError{Op: "begin", Err: err}
	}
	d.conn = conn
	d.tx = tx
	return tx, nil
}

// Within runs fn inside one BE-1PC scope on the given broker transaction:
//
//  1. The broker transaction is already open (a transactional session always
//     is).
//  2. fn runs; it may lazily join a SQL transaction via the Demarcation.
//  3. On success: SQL commit, SQL connection close, then broker commit.
//  4. On any error escaping fn (including panics): SQL rollback and close,
//     then broker rollback. The original error is returned; failures on the
//     rollback path are logged but never mask it.
//
// If control leaves fn through a path the coordinator does not account for
// (runtime.Goexit), both transactions are still rolled back and an internal
// invariant violation is logged.
func (c *Coordinator) Within(ctx context.Context, session BrokerTx, fn func(d *Demarcation) error) (err error) {
	d := &Demarcation{coordinator: c}

	// Sanity gate: flag that we have handled all paths we know of.
	allPathsHandled := false
	defer func() {
		if allPathsHandled {
			return
		}
		ie := &errspkg.InternalError{Msg: "control left the coordinator scope through an unaccounted path"}
		c.logger.Error("Forcing rollback", ie, nil)
		d.rollbackAndClose()
		c.rollbackBroker(session)
		err = ie
	}()

	lambdaErr := runGuarded(d, fn)
	allPathsHandled = true

	if lambdaErr != nil {
		// Bad path: roll back the SQL transaction (if one was joined),
		// then the broker transaction. The lambda error wins.
		c.logger.Error("Rolling back scope", lambdaErr, nil)
		d.rollbackAndClose()
		c.rollbackBroker(session)
		return lambdaErr
	}

	// Good path: SQL commit must precede broker commit.
	if commitErr := d.commitAndClose(); commitErr != nil {
		c.logger.Error("SQL commit failed, rolling back broker transaction", commitErr, nil)
		c.rollbackBroker(session)
		return commitErr
	}

	if brokerErr := session.Commit(); brokerErr != nil {
		// The BE-1PC window: if a SQL transaction was committed above, its
		// side effects stand while the message is redelivered.
		wrapped := &errspkg.BrokerError{Op: "commit", Err: brokerErr}
		c.logger.Error("Broker commit failed; message will be redelivered", wrapped, nil)
		c.rollbackBroker(session)
		return wrapped
	}

	return nil
}

// runGuarded invokes fn, converting panics into errors so the scope's
// transaction handling sees every failure as a plain error.
func runGuarded(d *Demarcation, fn func(d *Demarcation) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("stageflow: panic in processing lambda: %v", r)
		}
	}()
	return fn(d)
}

// commitAndClose commits the scope's SQL transaction and closes its
// connection, if one was joined. A close failure after a successful commit
// is reported as its own kind; the data is already committed.
func (d *Demarcation) commitAndClose() error {
	if d.tx == nil {
		return nil
	}
	tx, conn := d.tx, d.conn
	d.tx, d.conn = nil, nil

	if err := tx.Commit(); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			d.coordinator.logger.Error("Failed to close SQL connection after failed commit", closeErr, nil)
		}
		return &errspkg.SQLDemarcationError{Op: "commit", Err: err}
	}
	if err := conn.Close(); err != nil {
		return &errspkg.SQLDemarcationError{Op: "close", Err: err}
	}
	return nil
}

// rollbackAndClose rolls back the scope's SQL transaction and closes its
// connection, if one was joined. Failures are logged only: the caller is
// already propagating the error that caused the rollback.
func (d *Demarcation) rollbackAndClose() {
	if d.tx == nil {
		return
	}
	tx, conn := d.tx, d.conn
	d.tx, d.conn = nil, nil

	if err := tx.Rollback(); err != nil {
		wrapped := &errspkg.SQLDemarcationError{Op: "rollback", Err: err}
		d.coordinator.logger.Error("SQL rollback failed", wrapped, nil)
	}
	if err := conn.Close(); err != nil {
		wrapped := &errspkg.SQLDemarcationError{Op: "close", Err: err}
		d.coordinator.logger.Error("SQL connection close failed", wrapped, nil)
	}
}

func (c *Coordinator) rollbackBroker(session BrokerTx) {
	if err := session.Rollback(); err != nil {
		wrapped := &errspkg.BrokerError{Op: "rollback", Err: err}
		c.logger.Error("Broker rollback failed", wrapped, nil)
	}
}
