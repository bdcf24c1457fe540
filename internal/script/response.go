package script

import (
	"io"

	"github.com/valyala/bytebufferpool"
)

// Header is a single response header line. An empty Value produces a bare
// line.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Response collects what a script writes during one request.
type Response struct {
	Status      string
	ContentType string
	Headers     []Header
	body        *bytebufferpool.ByteBuffer
}

// NewResponse returns a Response with the given defaults.
func NewResponse(status, contentType string) *Response {
	return &Response{
		Status:      status,
		ContentType: contentType,
		body:        bytebufferpool.Get(),
	}
}

func (r *Response) Header(name, value string) {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

func (r *Response) Send(data string) {
	_, _ = r.body.WriteString(data)
}

func (r *Response) Write(p []byte) (int, error) {
	return r.body.Write(p)
}

// Reset drops headers and body written so far.
func (r *Response) Reset() {
	r.Headers = r.Headers[:0]
	r.body.Reset()
}

func (r *Response) SetStatus(status string) {
	r.Status = status
}

func (r *Response) SetContentType(contentType string) {
	r.ContentType = contentType
}

// Body returns the body written so far. The slice is only valid until
// Release.
func (r *Response) Body() []byte {
	if r.body == nil {
		return nil
	}

	return r.body.B
}

// WriteTo copies the body to w.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	return r.body.WriteTo(w)
}

// Release returns the body buffer to the pool.
func (r *Response) Release() {
	if r.body != nil {
		bytebufferpool.Put(r.body)
		r.body = nil
	}
}
