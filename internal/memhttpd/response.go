package memhttpd

import (
	"net/http"
	"time"
)

// Response is a serialized-to-be header plus the source of its body: a slice of an
// in-memory file, a disk stream, or nothing.
type Response struct {
	Header ResponseHeader
	File   *FileNode

	body   *cursorBuffer
	stream *diskStream
}

// Produce decides the response for req. Parse failures carry their status in
// req.Outcome; a parsed request is checked for version, method and existence in that
// order.
func Produce(store *ContentStore, req *Request, server string, now time.Time) *Response {
	resp := &Response{Header: ResponseHeader{
		Date:   now.UTC().Format(http.TimeFormat),
		Server: server,
	}}

	switch {
	case req.Outcome != StatusOK:
		resp.setError(req.Outcome)
		return resp
	case req.Version != HTTP11:
		resp.setError(StatusHTTPVersionNotSupported)
		return resp
	case req.Method != MethodGet && req.Method != MethodHead:
		resp.setError(StatusNotImplemented)
		return resp
	}

	f, ok := store.Find(req.Target)
	if !ok {
		resp.setError(StatusNotFound)
		return resp
	}

	resp.File = f
	resp.Header.Status = StatusOK
	resp.Header.ContentLength = f.Size
	resp.Header.HasContentLength = true
	resp.Header.ContentType = f.Type
	resp.Header.ContentEncoding = f.Encoding()

	if req.Method == MethodHead {
		return resp
	}
	if f.State == Unloaded {
		resp.stream = newDiskStream(f.Path, f.Size)
	} else {
		resp.body = cursorOver(f.Content)
	}
	return resp
}

func (r *Response) setError(status int) {
	r.Header.Status = status
	r.Header.ContentLength = 0
	r.Header.HasContentLength = true
}

// BodyLen is the number of body bytes this response sends.
func (r *Response) BodyLen() int64 {
	switch {
	case r.body != nil:
		return int64(r.body.n)
	case r.stream != nil:
		return r.stream.size
	}
	return 0
}

func (r *Response) pending() ([]byte, error) {
	switch {
	case r.body != nil:
		return r.body.remaining(), nil
	case r.stream != nil:
		return r.stream.pending()
	}
	return nil, nil
}

func (r *Response) advance(n int) {
	switch {
	case r.body != nil:
		r.body.advance(n)
	case r.stream != nil:
		r.stream.advance(n)
	}
}

func (r *Response) close() error {
	if r.stream != nil {
		return r.stream.close()
	}
	return nil
}
