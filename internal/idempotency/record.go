package idempotency

import (
	"bytes"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a record.
type State string

const (
	StateReserved  State = "reserved"
	StateCompleted State = "completed"
)

// Header is one response header line. Value holds raw bytes.
type Header struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// Response is a captured HTTP response, replayed verbatim on duplicates.
type Response struct {
	StatusCode int      `json:"status_code"`
	Headers    []Header `json:"headers"`
	Body       []byte   `json:"body"`
}

// Equal reports whether two responses are byte-identical, header order included.
func (r Response) Equal(o Response) bool {
	if r.StatusCode != o.StatusCode || len(r.Headers) != len(o.Headers) {
		return false
	}
	for i := range r.Headers {
		if r.Headers[i].Name != o.Headers[i].Name || !bytes.Equal(r.Headers[i].Value, o.Headers[i].Value) {
			return false
		}
	}
	return bytes.Equal(r.Body, o.Body)
}

// Replay sends the response to w. Stored headers replace any value already
// set on w under the same name and are appended in stored order.
func (r Response) Replay(w http.ResponseWriter) error {
	h := w.Header()
	for _, hp := range r.Headers {
		h.Del(hp.Name)
	}
	for _, hp := range r.Headers {
		h.Add(hp.Name, string(hp.Value))
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// HeadersFrom flattens h into pairs sorted by name. Values of a repeated
// header keep their original order.
func HeadersFrom(h http.Header) []Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Header, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, Header{Name: name, Value: []byte(v)})
		}
	}
	return out
}

// Record is the stored unit for one (user, key) pair.
type Record struct {
	UserID    uuid.UUID
	Key       Key
	State     State
	Token     uuid.UUID
	Response  *Response
	CreatedAt time.Time
	ExpireAt  time.Time
}

// Live reports whether the record is still visible at now.
func (r Record) Live(now time.Time) bool {
	return now.Before(r.ExpireAt)
}

// TTL holds the two lifetimes a store applies to records.
type TTL struct {
	// Reservation bounds how long a Reserved record blocks its key.
	Reservation time.Duration
	// Retention is how long a Completed response stays replayable.
	Retention time.Duration
}

func DefaultTTL() TTL {
	return TTL{Reservation: time.Minute, Retention: 10 * time.Minute}
}

// Clone returns a deep copy so stores never share byte slices with callers.
func (r Response) Clone() Response {
	out := Response{StatusCode: r.StatusCode, Body: bytes.Clone(r.Body)}
	if r.Headers != nil {
		out.Headers = make([]Header, len(r.Headers))
		for i, h := range r.Headers {
			out.Headers[i] = Header{Name: h.Name, Value: bytes.Clone(h.Value)}
		}
	}
	return out
}
