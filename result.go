package bolt

import (
	"context"
	"errors"
	"log/slog"
)

// Record is one row of query output.
type Record struct {
	Keys   []string
	Values []any
}

// Get returns the value for the named field and whether the field exists.
func (r *Record) Get(key string) (any, bool) {
	for i, k := range r.Keys {
		if k == key {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Result is the stream of records produced by one query. Records arrive
// lazily: nothing is read from the network until the caller asks for it.
// The usual consumption loop is
//
//	for result.Next(ctx) {
//	    record := result.Record()
//	    ...
//	}
//	if err := result.Err(); err != nil { ... }
type Result struct {
	tx   *Transaction
	head *response // RUN summary, carries the field names
	body *response // PULL or DISCARD records and summary

	keys    []string
	current *Record
	err     error
}

func newResult(tx *Transaction, head, body *response) *Result {
	return &Result{tx: tx, head: head, body: body}
}

// Keys returns the field names of the result's records, fetching the query
// summary from the server if it has not arrived yet.
func (r *Result) Keys(ctx context.Context) ([]string, error) {
	if r.keys != nil {
		return r.keys, nil
	}
	if r.err != nil {
		return nil, r.err
	}
	summary, err := r.head.getSummary(ctx)
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	r.keys = []string{}
	if fields, ok := summary.Metadata["fields"].([]any); ok {
		for _, f := range fields {
			if name, ok := f.(string); ok {
				r.keys = append(r.keys, name)
			}
		}
	}
	return r.keys, nil
}

// Next advances to the next record, reporting false at the end of the
// stream or on error. After Next returns false, Err distinguishes the two.
func (r *Result) Next(ctx context.Context) bool {
	if r.err != nil {
		return false
	}
	keys, err := r.Keys(ctx)
	if err != nil {
		return false
	}
	values, err := r.body.nextRecord(ctx)
	if err != nil {
		r.fail(ctx, err)
		return false
	}
	if values == nil {
		r.current = nil
		return false
	}
	r.current = &Record{Keys: keys, Values: values}
	return true
}

// Record returns the record Next advanced to, or nil.
func (r *Result) Record() *Record { return r.current }

// Err returns the first error encountered while consuming the result.
func (r *Result) Err() error { return r.err }

// Consume discards any remaining records and returns the final summary.
func (r *Result) Consume(ctx context.Context) (*Summary, error) {
	if r.err != nil {
		return nil, r.err
	}
	for r.Next(ctx) {
	}
	if r.err != nil {
		return nil, r.err
	}
	summary, err := r.body.getSummary(ctx)
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	return summary, nil
}

// Single consumes the result expecting exactly one record. It returns nil
// when the result is empty; extra records beyond the first are discarded
// with a warning.
func (r *Result) Single(ctx context.Context) (*Record, error) {
	if !r.Next(ctx) {
		return nil, r.err
	}
	record := r.current
	extra := 0
	for r.Next(ctx) {
		extra++
	}
	if r.err != nil {
		return nil, r.err
	}
	if extra > 0 {
		slog.Warn("bolt: discarded extra records from a single-record result",
			"address", r.tx.cn.addr, "discarded", extra)
	}
	return record, nil
}

// fail converts a consumption error into the result's terminal error. A
// server failure additionally poisons the enclosing transaction.
func (r *Result) fail(ctx context.Context, err error) error {
	var failure *Failure
	if errors.As(err, &failure) {
		err = r.tx.fail(ctx, failure)
	}
	r.err = err
	return err
}
