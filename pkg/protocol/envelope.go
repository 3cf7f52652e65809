package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned when a line is not well-formed JSON or
// does not carry the minimal envelope shape.
var ErrMalformedMessage = errors.New("malformed message")

// Request is the client-to-server envelope. ID is a correlation identifier
// chosen by the client and echoed back in the response; zero means the
// client did not set one. Payload stays raw until the dispatch boundary.
type Request struct {
	ID      uint64          `json:"id,omitempty"`
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the server-to-client envelope, used both for direct responses
// and for broadcast pushes. A push carries no ID.
type Response struct {
	ID      uint64          `json:"id,omitempty"`
	Status  Status          `json:"status"`
	Type    CommandType     `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsPush reports whether the response is an unsolicited broadcast rather
// than the answer to a request.
func (r Response) IsPush() bool {
	return r.ID == 0
}

// EncodeRequest encodes the request as a single line without the trailing
// newline. The transport appends framing.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return data, nil
}

// DecodeRequest decodes one line into a request envelope. Unknown payload
// fields are tolerated; a missing or unknown type is not.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if req.Type == "" {
		return Request{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return req, nil
}

// EncodeResponse encodes the response as a single line without the trailing
// newline.
func EncodeResponse(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse decodes one line into a response envelope.
func DecodeResponse(line []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if resp.Status != StatusSuccess && resp.Status != StatusError {
		return Response{}, fmt.Errorf("%w: missing status", ErrMalformedMessage)
	}
	return resp, nil
}

// NewRequest builds a request envelope with a marshaled payload.
func NewRequest(id uint64, ct CommandType, payload any) (Request, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Request{}, err
	}
	return Request{ID: id, Type: ct, Payload: raw}, nil
}

// NewSuccess builds a Success response with a marshaled payload.
func NewSuccess(id uint64, ct CommandType, payload any) (Response, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Response{}, err
	}
	return Response{ID: id, Status: StatusSuccess, Type: ct, Payload: raw}, nil
}

// NewError builds an Error response. A nil payload yields a generic error
// that carries no detail.
func NewError(id uint64, ct CommandType, payload *ErrorPayload) Response {
	resp := Response{ID: id, Status: StatusError, Type: ct}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			resp.Payload = raw
		}
	}
	return resp
}

// IsBlank reports whether the line contains only whitespace. Receivers skip
// blank lines instead of treating them as framing errors.
func IsBlank(line []byte) bool {
	return len(bytes.TrimSpace(line)) == 0
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}
