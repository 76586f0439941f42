package memhttpd

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// "GET / HTTP/1.1\r\n\r\n"
	headerMinLength = 18
	maxTargetLength = 1024
)

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

const (
	StatusOK                      = 200
	StatusBadRequest              = 400
	StatusUnauthorized            = 401
	StatusNotFound                = 404
	StatusMethodNotAllowed        = 405
	StatusLengthRequired          = 411
	StatusURITooLong              = 414
	StatusInternalServerError     = 500
	StatusNotImplemented          = 501
	StatusServiceUnavailable      = 503
	StatusHTTPVersionNotSupported = 505
)

var statusText = map[int]string{
	StatusOK:                      "OK",
	StatusBadRequest:              "Bad Request",
	StatusUnauthorized:            "Unauthorized",
	StatusNotFound:                "Not Found",
	StatusMethodNotAllowed:        "Method Not Allowed",
	StatusLengthRequired:          "Length Required",
	StatusURITooLong:              "URI Too Long",
	StatusInternalServerError:     "Internal Server Error",
	StatusNotImplemented:          "Not Implemented",
	StatusServiceUnavailable:      "Service Unavailable",
	StatusHTTPVersionNotSupported: "HTTP Version Not Supported",
}

// StatusText returns the reason phrase for code, or "" for codes this server never sends.
func StatusText(code int) string { return statusText[code] }

type Method uint8

const (
	MethodUnknown Method = iota
	MethodGet
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodConnect
	MethodOptions
	MethodTrace
	MethodPatch
)

var methods = map[string]Method{
	"GET":     MethodGet,
	"HEAD":    MethodHead,
	"POST":    MethodPost,
	"PUT":     MethodPut,
	"DELETE":  MethodDelete,
	"CONNECT": MethodConnect,
	"OPTIONS": MethodOptions,
	"TRACE":   MethodTrace,
	"PATCH":   MethodPatch,
}

type Version uint8

const (
	VersionUnknown Version = iota
	HTTP10
	HTTP11
	HTTP20
	// VersionOther is a well-formed HTTP-version this server does not speak.
	VersionOther
)

func (v Version) String() string {
	switch v {
	case HTTP10:
		return "HTTP/1.0"
	case HTTP11:
		return "HTTP/1.1"
	case HTTP20:
		return "HTTP/2.0"
	case VersionOther:
		return "HTTP/?"
	}
	return "unknown"
}

// Request is the parsed request line and the header fields this server cares about.
type Request struct {
	Method     Method
	MethodName string
	Target     string // path part of the request-target
	Query      string
	HasQuery   bool
	Version    Version

	Host   string
	Accept string

	// Outcome is StatusOK after a successful parse, the error status otherwise.
	Outcome int
}

// ProtocolError is a request the server answers with an error status instead of content.
type ProtocolError struct {
	Status int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, StatusText(e.Status), e.Reason)
}

func protocolErrorf(status int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Status: status, Reason: fmt.Sprintf(format, args...)}
}

// HeaderComplete reports whether buf holds a full header block, that is whether the
// blank line ending it has arrived. No syntax is checked.
func HeaderComplete(buf []byte) bool {
	return headerEnd(buf, 0) >= 0
}

// headerEnd returns the offset just past the first CRLFCRLF in buf, or -1. Scanning
// starts at from, which callers set to the previous length minus 3 so a marker split
// across two reads is still found.
func headerEnd(buf []byte, from int) int {
	if len(buf) < headerMinLength {
		return -1
	}
	if from < 0 {
		from = 0
	}
	if from > len(buf) {
		return -1
	}
	i := bytes.Index(buf[from:], crlfcrlf)
	if i < 0 {
		return -1
	}
	return from + i + len(crlfcrlf)
}

// ParseRequest parses a header block ending with CRLFCRLF. The returned request is
// never nil; on failure its Outcome carries the same status as the *ProtocolError.
func ParseRequest(block []byte) (*Request, error) {
	req := &Request{Outcome: StatusOK}
	if err := parseRequest(req, block); err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			req.Outcome = pe.Status
		} else {
			req.Outcome = StatusBadRequest
		}
		return req, err
	}
	return req, nil
}

func parseRequest(req *Request, block []byte) error {
	line, rest, ok := bytes.Cut(block, crlf)
	if !ok {
		return protocolErrorf(StatusBadRequest, "unterminated request line")
	}
	if err := parseRequestLine(req, line); err != nil {
		return err
	}

	for {
		line, rest, ok = bytes.Cut(rest, crlf)
		if !ok {
			return protocolErrorf(StatusBadRequest, "unterminated header block")
		}
		if len(line) == 0 {
			return nil
		}
		name, value, ok := bytes.Cut(line, []byte{':'})
		if !ok {
			return protocolErrorf(StatusBadRequest, "header line without ':'")
		}
		if len(name) == 0 || !isToken(name) {
			return protocolErrorf(StatusBadRequest, "invalid header name %q", name)
		}
		value = bytes.Trim(value, " \t")
		switch {
		case strings.EqualFold(string(name), "Host"):
			req.Host = string(value)
		case strings.EqualFold(string(name), "Accept"):
			if req.Accept != "" {
				req.Accept += ","
			}
			req.Accept += string(value)
		}
	}
}

func parseRequestLine(req *Request, line []byte) error {
	// runs of spaces and tabs separate the tokens
	tokens := bytes.Fields(line)
	if len(tokens) == 0 {
		return protocolErrorf(StatusBadRequest, "missing method")
	}
	if len(tokens) != 3 {
		return protocolErrorf(StatusBadRequest, "request line must be method, target and version")
	}
	method, target, version := tokens[0], tokens[1], tokens[2]

	if !isToken(method) {
		return protocolErrorf(StatusBadRequest, "malformed method %q", method)
	}
	req.MethodName = string(method)
	req.Method = methods[req.MethodName]

	if len(target) > maxTargetLength {
		return protocolErrorf(StatusURITooLong, "target is %d bytes", len(target))
	}
	if target[0] != '/' {
		return protocolErrorf(StatusBadRequest, "target %q is not in origin form", target)
	}
	if p, q, ok := bytes.Cut(target, []byte{'?'}); ok {
		req.Target = string(p)
		req.Query = string(q)
		req.HasQuery = true
	} else {
		req.Target = string(target)
	}

	req.Version = parseVersion(version)
	switch req.Version {
	case HTTP11:
		return nil
	case VersionUnknown:
		return protocolErrorf(StatusBadRequest, "malformed version %q", version)
	default:
		return protocolErrorf(StatusHTTPVersionNotSupported, "version %s", version)
	}
}

func parseVersion(b []byte) Version {
	switch string(b) {
	case "HTTP/1.1":
		return HTTP11
	case "HTTP/1.0":
		return HTTP10
	case "HTTP/2.0", "HTTP/2":
		return HTTP20
	}
	rest, ok := bytes.CutPrefix(b, []byte("HTTP/"))
	if !ok {
		return VersionUnknown
	}
	switch {
	case len(rest) == 1 && isDigit(rest[0]):
		return VersionOther
	case len(rest) == 3 && isDigit(rest[0]) && rest[1] == '.' && isDigit(rest[2]):
		return VersionOther
	}
	return VersionUnknown
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// isToken reports whether b is an RFC 7230 token.
func isToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if !isTokenChar(c) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', isDigit(c):
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

// ResponseHeader holds the status and the optional fields of a response. Empty
// strings and a false HasContentLength leave the field out of the serialized header.
type ResponseHeader struct {
	Status           int
	ContentLength    int64
	HasContentLength bool
	ContentType      string
	ContentEncoding  string
	Date             string
	Server           string
}

var errHeaderTooLarge = errors.New("response header does not fit the header buffer")

// SerializeResponse writes the status line, the set fields and the blank line into dst
// and returns the number of bytes written. It fails if dst is too small.
func SerializeResponse(h *ResponseHeader, dst []byte) (int, error) {
	text := StatusText(h.Status)
	if text == "" {
		return 0, fmt.Errorf("serialize: unmapped status %d", h.Status)
	}

	out := dst[:0:len(dst)]
	out = append(out, "HTTP/1.1 "...)
	out = strconv.AppendInt(out, int64(h.Status), 10)
	out = append(out, ' ')
	out = append(out, text...)
	out = append(out, crlf...)

	if h.HasContentLength {
		out = append(out, "Content-Length: "...)
		out = strconv.AppendInt(out, h.ContentLength, 10)
		out = append(out, crlf...)
	}
	out = appendField(out, "Content-Type", h.ContentType)
	out = appendField(out, "Content-Encoding", h.ContentEncoding)
	out = appendField(out, "Date", h.Date)
	out = appendField(out, "Server", h.Server)
	out = append(out, crlf...)

	if len(out) > len(dst) {
		return 0, errHeaderTooLarge
	}
	return len(out), nil
}

func appendField(out []byte, name, value string) []byte {
	if value == "" {
		return out
	}
	out = append(out, name...)
	out = append(out, ": "...)
	out = append(out, value...)
	return append(out, crlf...)
}
