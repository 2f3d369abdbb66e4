package bolt

import (
	"context"
	"log/slog"
	"time"
)

// TxConfig carries the optional settings of a transaction.
type TxConfig struct {
	// ReadOnly routes the transaction to a read server and marks it as
	// read-only on the server side.
	ReadOnly bool

	// Bookmarks are causal-consistency tokens from earlier transactions
	// that this transaction must observe.
	Bookmarks []string

	// Timeout, when positive, asks the server to abort the transaction
	// after the given duration.
	Timeout time.Duration

	// Metadata is attached to the transaction and surfaced in server-side
	// query listings.
	Metadata map[string]any
}

// extras builds the extra-settings map sent with BEGIN, or with RUN for
// auto-commit transactions.
func (tc *TxConfig) extras() map[string]any {
	extra := map[string]any{}
	if tc == nil {
		return extra
	}
	if tc.ReadOnly {
		extra["mode"] = "R"
	}
	if len(tc.Bookmarks) > 0 {
		bookmarks := make([]any, len(tc.Bookmarks))
		for i, b := range tc.Bookmarks {
			bookmarks[i] = b
		}
		extra["bookmarks"] = bookmarks
	}
	if tc.Timeout > 0 {
		extra["tx_timeout"] = tc.Timeout.Milliseconds()
	}
	if len(tc.Metadata) > 0 {
		extra["tx_metadata"] = tc.Metadata
	}
	return extra
}

// Transaction is a unit of work on a connection. Explicit transactions are
// opened with Begin and span multiple queries until Commit or Rollback;
// auto-commit transactions wrap a single query and close as soon as it is
// sent.
//
// A server failure inside the transaction poisons it: the failure is
// recorded, the server state is reset, and every later operation on the
// transaction reports the original failure.
type Transaction struct {
	cn         *Conn
	autocommit bool
	closed     bool
	failure    *Failure
	extras     map[string]any
}

func newTransaction(cn *Conn, config *TxConfig, autocommit bool) *Transaction {
	return &Transaction{
		cn:         cn,
		autocommit: autocommit,
		extras:     config.extras(),
	}
}

func (tx *Transaction) assertOpen() error {
	if tx.failure != nil {
		return tx.failure
	}
	if tx.closed {
		return &TxError{Message: "transaction has already been closed"}
	}
	return tx.cn.assertOpen()
}

// run emits the RUN message followed by PULL (or DISCARD) and returns the
// unconsumed result. Nothing is read back from the network yet; results
// fetch lazily.
func (tx *Transaction) run(ctx context.Context, cypher string, params map[string]any, discard bool) (*Result, error) {
	if err := tx.assertOpen(); err != nil {
		return nil, err
	}
	extras := map[string]any{}
	if tx.autocommit {
		extras = tx.extras
	}
	head, err := tx.cn.writeRun(cypher, params, extras)
	if err != nil {
		return nil, err
	}
	var body *response
	if discard {
		body, err = tx.cn.proto.writeDiscard(tx.cn)
	} else {
		body, err = tx.cn.proto.writePull(tx.cn)
	}
	if err != nil {
		return nil, err
	}
	if tx.autocommit {
		// The auto-commit transaction ends when the query goes out; failing
		// to send still closes it.
		defer func() { tx.closed = true }()
		if err := tx.cn.send(ctx); err != nil {
			return nil, err
		}
	}
	return newResult(tx, head, body), nil
}

// Run executes a query inside the transaction and returns its result.
func (tx *Transaction) Run(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	return tx.run(ctx, cypher, params, false)
}

// RunDiscard executes a query and asks the server to discard all records.
func (tx *Transaction) RunDiscard(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	return tx.run(ctx, cypher, params, true)
}

// Evaluate runs a query and returns the first value of its single record,
// or nil if the query produced no records.
func (tx *Transaction) Evaluate(ctx context.Context, cypher string, params map[string]any) (any, error) {
	result, err := tx.run(ctx, cypher, params, false)
	if err != nil {
		return nil, err
	}
	record, err := result.Single(ctx)
	if err != nil {
		return nil, err
	}
	if record == nil || len(record.Values) == 0 {
		return nil, nil
	}
	return record.Values[0], nil
}

// Commit commits the transaction and returns the bookmark identifying it.
func (tx *Transaction) Commit(ctx context.Context) (string, error) {
	if err := tx.assertOpen(); err != nil {
		return "", err
	}
	if tx.autocommit {
		return "", &TxError{Message: "auto-commit transactions cannot be committed explicitly"}
	}
	defer func() { tx.closed = true }()
	resp, err := tx.cn.writeCommit()
	if err != nil {
		return "", err
	}
	if err := tx.cn.send(ctx); err != nil {
		return "", err
	}
	summary, err := resp.getSummary(ctx)
	if err != nil {
		return "", err
	}
	return summary.Bookmark(), nil
}

// Rollback rolls the transaction back, discarding its effects.
func (tx *Transaction) Rollback(ctx context.Context) error {
	if err := tx.assertOpen(); err != nil {
		return err
	}
	if tx.autocommit {
		return &TxError{Message: "auto-commit transactions cannot be rolled back explicitly"}
	}
	defer func() { tx.closed = true }()
	resp, err := tx.cn.writeRollback()
	if err != nil {
		return err
	}
	if err := tx.cn.send(ctx); err != nil {
		return err
	}
	_, err = resp.getSummary(ctx)
	return err
}

// Failed reports whether a server failure has poisoned the transaction.
func (tx *Transaction) Failed() bool { return tx.failure != nil }

// Closed reports whether the transaction has ended.
func (tx *Transaction) Closed() bool { return tx.closed }

// fail records the first server failure seen inside the transaction,
// resets the connection to clear the server-side failure state and closes
// the transaction. The recorded failure is returned so that every caller
// observes the same error.
func (tx *Transaction) fail(ctx context.Context, f *Failure) error {
	if tx.failure == nil {
		tx.failure = f
		slog.Debug("bolt: transaction failed", "address", tx.cn.addr, "code", f.Code)
		if _, err := tx.cn.writeReset(); err == nil {
			if err := tx.cn.send(ctx); err == nil {
				// Later responses come back IGNORED and the reset comes back
				// SUCCESS; drain them all.
				_ = tx.cn.fetch(ctx, nil)
			}
		}
		tx.closed = true
	}
	return tx.failure
}
