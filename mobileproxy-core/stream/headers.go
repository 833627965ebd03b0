package stream

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Pseudo-header names.
const (
	HeaderMethod    = ":method"
	HeaderScheme    = ":scheme"
	HeaderAuthority = ":authority"
	HeaderPath      = ":path"
	HeaderStatus    = ":status"
)

// RequestMethod is an HTTP request method.
type RequestMethod string

const (
	MethodGet     RequestMethod = http.MethodGet
	MethodHead    RequestMethod = http.MethodHead
	MethodPost    RequestMethod = http.MethodPost
	MethodPut     RequestMethod = http.MethodPut
	MethodPatch   RequestMethod = http.MethodPatch
	MethodDelete  RequestMethod = http.MethodDelete
	MethodOptions RequestMethod = http.MethodOptions
)

// Header is one name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of header pairs. Names compare
// case-insensitively; order and duplicates are kept.
type Headers struct {
	entries []Header
}

// Get returns the first value for name.
func (h Headers) Get(name string) (string, bool) {
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			return e.Value, true
		}
	}
	return "", false
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var values []string
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			values = append(values, e.Value)
		}
	}
	return values
}

// All returns a copy of the pairs.
func (h Headers) All() []Header {
	out := make([]Header, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h Headers) Len() int {
	return len(h.entries)
}

// Add appends a pair.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, Header{Name: name, Value: value})
}

// Set replaces every value for name with value, keeping the position of the
// first occurrence.
func (h *Headers) Set(name, value string) {
	for i, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			h.entries[i].Value = value
			h.removeAfter(i+1, name)
			return
		}
	}
	h.Add(name, value)
}

// Del removes every pair named name.
func (h *Headers) Del(name string) {
	h.removeAfter(0, name)
}

func (h *Headers) removeAfter(start int, name string) {
	kept := h.entries[:start]
	for _, e := range h.entries[start:] {
		if !strings.EqualFold(e.Name, name) {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

func (h Headers) clone() Headers {
	return Headers{entries: h.All()}
}

// HTTPHeader returns the regular (non pseudo) headers as an http.Header.
func (h Headers) HTTPHeader() http.Header {
	out := make(http.Header)
	for _, e := range h.entries {
		if isPseudo(e.Name) {
			continue
		}
		out.Add(e.Name, e.Value)
	}
	return out
}

func isPseudo(name string) bool {
	return strings.HasPrefix(name, ":")
}

// RequestHeaders are the headers a stream is started with.
type RequestHeaders struct {
	Headers
}

func (r RequestHeaders) Method() string {
	v, _ := r.Get(HeaderMethod)
	return v
}

func (r RequestHeaders) Scheme() string {
	v, _ := r.Get(HeaderScheme)
	return v
}

func (r RequestHeaders) Authority() string {
	v, _ := r.Get(HeaderAuthority)
	return v
}

func (r RequestHeaders) Path() string {
	v, _ := r.Get(HeaderPath)
	return v
}

// RequestHeadersBuilder assembles RequestHeaders. The pseudo-headers are
// fixed by NewRequestHeadersBuilder; Add and Set ignore names starting
// with ':'.
type RequestHeadersBuilder struct {
	headers Headers
}

// NewRequestHeadersBuilder starts a request for scheme://authority/path.
func NewRequestHeadersBuilder(method RequestMethod, scheme, authority, path string) *RequestHeadersBuilder {
	b := &RequestHeadersBuilder{}
	b.headers.Add(HeaderMethod, string(method))
	b.headers.Add(HeaderScheme, scheme)
	b.headers.Add(HeaderAuthority, authority)
	b.headers.Add(HeaderPath, path)
	return b
}

func (b *RequestHeadersBuilder) Add(name, value string) *RequestHeadersBuilder {
	if !isPseudo(name) {
		b.headers.Add(name, value)
	}
	return b
}

func (b *RequestHeadersBuilder) Set(name, value string) *RequestHeadersBuilder {
	if !isPseudo(name) {
		b.headers.Set(name, value)
	}
	return b
}

func (b *RequestHeadersBuilder) Remove(name string) *RequestHeadersBuilder {
	if !isPseudo(name) {
		b.headers.Del(name)
	}
	return b
}

// Build returns the headers. The builder may be reused.
func (b *RequestHeadersBuilder) Build() RequestHeaders {
	return RequestHeaders{Headers: b.headers.clone()}
}

// ResponseHeaders are delivered to OnHeaders. Names are lower case and
// ":status" comes first.
type ResponseHeaders struct {
	Headers
}

// HTTPStatus returns the response status, or 0 if it is missing.
func (r ResponseHeaders) HTTPStatus() int {
	v, ok := r.Get(HeaderStatus)
	if !ok {
		return 0
	}
	status, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return status
}

func responseHeaders(resp *http.Response) ResponseHeaders {
	var h Headers
	h.Add(HeaderStatus, strconv.Itoa(resp.StatusCode))

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, v := range resp.Header[name] {
			h.Add(lower, v)
		}
	}
	return ResponseHeaders{Headers: h}
}
