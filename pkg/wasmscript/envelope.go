// Package wasmscript is the guest side of the WASM script protocol.
//
// The host copies a JSON Request into guest memory obtained from the exported
// Alloc function and calls the entrypoint with the packed ptr<<32|len of that
// buffer. The entrypoint answers with the packed location of a JSON Response.
// A guest usually only needs Handle:
//
//	//export main
//	func entry(packed uint64) uint64 {
//		return wasmscript.Handle(packed, func(req *wasmscript.Request, resp *wasmscript.Response) error {
//			resp.Send("hello " + req.Env["QUERY_STRING"])
//			return nil
//		})
//	}
package wasmscript

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Request is the per-request data sent to the guest.
type Request struct {
	Key        string            `json:"key"`
	Dir        string            `json:"dir"`
	Env        map[string]string `json:"env"`
	Body       string            `json:"body"`
	Slot       int               `json:"slot"`
	Worker     uint64            `json:"worker"`
	ServerInfo map[string]int    `json:"server_info"`
}

// Header is one response header line.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Response is what the guest returns. Empty Status and ContentType keep the
// host defaults; a non-empty Error fails the request.
type Response struct {
	Status      string   `json:"status,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Headers     []Header `json:"headers,omitempty"`
	Body        string   `json:"body,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Send appends data to the body.
func (r *Response) Send(data string) {
	r.Body += data
}

// Header adds a response header.
func (r *Response) Header(name, value string) {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

// EncodeRequest is used by the host.
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wasmscript: encode request: %w", err)
	}

	return data, nil
}

// DecodeResponse is used by the host.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("wasmscript: decode response: %w", err)
	}

	return &resp, nil
}

// Process decodes a request, runs fn and encodes its response. A decoding
// failure or an error returned by fn is reported through Response.Error.
func Process(data []byte, fn func(*Request, *Response) error) []byte {
	var (
		req  Request
		resp Response
	)
	if err := json.Unmarshal(data, &req); err != nil {
		resp.Error = fmt.Sprintf("wasmscript: decode request: %v", err)
	} else if err := fn(&req, &resp); err != nil {
		resp.Error = err.Error()
	}

	out, err := json.Marshal(&resp)
	if err != nil {
		out, _ = json.Marshal(&Response{Error: err.Error()})
	}

	return out
}
