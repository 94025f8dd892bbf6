// Package protocol defines the request and response objects exchanged
// between kvs-client and kvs-server. Each is a single JSON object, so a
// decoder can find its end on a plain byte stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pro0o/kvs/types"
)

type Op string

const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpRemove Op = "rm"
)

// Request is Get{key}, Set{key, value} or Remove{key}.
type Request struct {
	Op    Op      `json:"op"`
	Key   string  `json:"key"`
	Value *string `json:"value,omitempty"`
}

// Response is either Ok(optional value) or Err(message). Kind classifies
// an Err so clients need not parse the message.
type Response struct {
	Ok    bool    `json:"ok"`
	Value *string `json:"value,omitempty"`
	Err   string  `json:"err,omitempty"`
	Kind  Kind    `json:"kind,omitempty"`
}

// Kind is the class of an Err response. Unclassified errors carry none.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindBadRequest Kind = "bad_request"
	KindInternal   Kind = "internal"
)

var ErrBadRequest = errors.New("bad request")

func Get(key string) Request {
	return Request{Op: OpGet, Key: key}
}

func Set(key, value string) Request {
	return Request{Op: OpSet, Key: key, Value: &value}
}

func Remove(key string) Request {
	return Request{Op: OpRemove, Key: key}
}

func (r Request) Validate() error {
	switch r.Op {
	case OpGet, OpRemove:
		if r.Value != nil {
			return fmt.Errorf("%s takes no value: %w", r.Op, ErrBadRequest)
		}
	case OpSet:
		if r.Value == nil {
			return fmt.Errorf("set requires a value: %w", ErrBadRequest)
		}
	default:
		return fmt.Errorf("unknown op %q: %w", r.Op, ErrBadRequest)
	}
	return nil
}

// Ok builds a success response. A nil value means "no value", as for a
// missing key or a write.
func Ok(value *string) Response {
	return Response{Ok: true, Value: value}
}

func OkValue(value string) Response {
	return Ok(&value)
}

func Err(err error) Response {
	resp := Response{Err: err.Error()}
	switch {
	case errors.Is(err, types.ErrKeyNotFound):
		resp.Kind = KindNotFound
	case errors.Is(err, ErrBadRequest):
		resp.Kind = KindBadRequest
	}
	return resp
}

func WriteRequest(w io.Writer, req Request) error {
	return json.NewEncoder(w).Encode(req)
}

// ReadRequest decodes exactly one request from r.
func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode request: %v: %w", err, ErrBadRequest)
	}
	return req, req.Validate()
}

func WriteResponse(w io.Writer, resp Response) error {
	return json.NewEncoder(w).Encode(resp)
}

func ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
