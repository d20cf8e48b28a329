package idempotency

import (
	"bytes"
	"net/http"
)

// recorder buffers a handler's output so it can be stored before anything
// reaches the client.
type recorder struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

// response freezes what was written so far. Later mutations of the recorder
// do not affect the result.
func (r *recorder) response() Response {
	status := r.status
	if !r.wroteHeader {
		status = http.StatusOK
	}
	return Response{
		StatusCode: status,
		Headers:    HeadersFrom(r.header),
		Body:       bytes.Clone(r.body.Bytes()),
	}
}
