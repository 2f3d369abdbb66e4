package bolt

import "context"

// Summary is the terminating metadata of a response: a SUCCESS with
// server-provided metadata, an IGNORED marker, or a FAILURE (in which case
// the failure has already been surfaced as an error and Success is false).
type Summary struct {
	Metadata map[string]any
	Success  bool
	Ignored  bool
}

// Bookmark returns the causal-consistency token carried by the summary, if
// any.
func (s *Summary) Bookmark() string {
	b, _ := s.Metadata["bookmark"].(string)
	return b
}

// response is the correlated handle returned for each emitted message: an
// exactly-once-consumed cursor over zero or more records followed by one
// summary. Records arriving from the wire are buffered here by fetch until
// the handle's owner consumes them.
type response struct {
	cn      *Conn
	records [][]any
	summary *Summary
	failure *Failure
}

// nextRecord returns the next buffered record, fetching from the network
// while the buffer is empty and no summary has arrived. A nil record with
// a nil error marks the end of the stream.
func (r *response) nextRecord(ctx context.Context) ([]any, error) {
	for {
		if len(r.records) > 0 {
			rec := r.records[0]
			r.records = r.records[1:]
			return rec, nil
		}
		if r.summary != nil {
			if r.failure != nil {
				return nil, r.failure
			}
			return nil, nil
		}
		if err := r.cn.fetch(ctx, func() bool { return len(r.records) > 0 || r.summary != nil }); err != nil {
			return nil, err
		}
	}
}

// getSummary fetches until the summary for this response has arrived and
// returns it. A failure summary is returned as an error.
func (r *response) getSummary(ctx context.Context) (*Summary, error) {
	if r.summary == nil {
		if err := r.cn.fetch(ctx, func() bool { return r.summary != nil }); err != nil {
			return nil, err
		}
	}
	if r.failure != nil {
		return nil, r.failure
	}
	return r.summary, nil
}

func (r *response) putRecord(rec []any) {
	r.records = append(r.records, rec)
}

func (r *response) putSummary(s *Summary, f *Failure) {
	r.summary = s
	r.failure = f
}
