package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/oklog/ulid/v2"
)

// Error kinds carried in the reply envelope. Remote faults always travel back
// in-band as the Error field of a normal CallResponse, never on a side channel.
const (
	KindServiceNotFound      = "service_not_found"
	KindServiceLost          = "service_lost"
	KindRemoteDispatch       = "remote_dispatch"
	KindRemoteInvocation     = "remote_invocation"
	KindTransportUnavailable = "transport_unavailable"
)

// MaxFrameSize bounds a single request or response frame.
const MaxFrameSize = 4 << 20

// CallRequest is the wire record for one invocation. One instance per call.
type CallRequest struct {
	ID      string                 `json:"id"`
	Service string                 `json:"service"`
	Method  string                 `json:"method"`
	Args    []interface{}          `json:"args,omitempty"`
	Kwargs  map[string]interface{} `json:"kwargs,omitempty"`
}

// CallResponse carries result XOR error back to the caller.
type CallResponse struct {
	ID     string       `json:"id"`
	Result interface{}  `json:"result,omitempty"`
	Error  *RemoteError `json:"error,omitempty"`
}

// RemoteError is a fault raised on the remote side, re-presented to the caller
// with its original descriptive payload.
type RemoteError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewCallID returns a fresh sortable call identifier.
func NewCallID() string {
	return ulid.Make().String()
}

// EncodeRequest marshals a request body.
func EncodeRequest(req *CallRequest) ([]byte, error) {
	return sonic.Marshal(req)
}

// DecodeRequest unmarshals a request body.
func DecodeRequest(data []byte) (*CallRequest, error) {
	var req CallRequest
	if err := sonic.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse marshals a response body.
func EncodeResponse(resp *CallResponse) ([]byte, error) {
	return sonic.Marshal(resp)
}

// DecodeResponse unmarshals a response body.
func DecodeResponse(data []byte) (*CallResponse, error) {
	var resp CallResponse
	if err := sonic.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// WriteFrame writes one length-prefixed frame: 4-byte big-endian length + body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
