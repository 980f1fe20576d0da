package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the control plane protocol version sent with "auth".
const Version = 1

// Actions initiated by clients.
const (
	ActionAuth         = "auth"
	ActionGoodbye      = "goodbye"
	ActionHeartbeat    = "heartbeat"
	ActionJoinChannel  = "joinchannel"
	ActionLeaveChannel = "leavechannel"
	ActionEnableVideo  = "enablevideo"
	ActionDisableVideo = "disablevideo"
)

// Notifications initiated by the server.
const (
	NotifyClientJoinedChannel = "notify.clientjoinedchannel"
	NotifyClientLeftChannel   = "notify.clientleftchannel"
	NotifyClientDisconnected  = "notify.clientdisconnected"
	NotifyClientVideoEnabled  = "notify.clientvideoenabled"
	NotifyClientVideoDisabled = "notify.clientvideodisabled"
	NotifyMediaAuthSuccess    = "notify.mediaauthsuccess"
)

// Status is the result code carried by every response.
type Status int

const (
	StatusOK                  Status = 0
	StatusInvalidChannel      Status = 1
	StatusIncompatibleVersion Status = 3
	StatusUnauthorized        Status = 4
	StatusConnectionLimit     Status = 5
	StatusBandwidthLimit      Status = 6
	StatusUnknownAction       Status = 7
	StatusInvalidProtocol     Status = 500
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidChannel:
		return "invalid_channel"
	case StatusIncompatibleVersion:
		return "incompatible_version"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusConnectionLimit:
		return "connection_limit"
	case StatusBandwidthLimit:
		return "bandwidth_limit"
	case StatusUnknownAction:
		return "unknown_action"
	case StatusInvalidProtocol:
		return "invalid_protocol"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrInvalidFormat indicates a body that is not a protocol document.
	ErrInvalidFormat = errors.New("invalid protocol format")
)

// StatusError is a non-OK response.
type StatusError struct {
	Status  Status
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Status, int(e.Status), e.Message)
}

// Request is a decoded request body:
//
//	{"action": "...", "parameters": {...}}
type Request struct {
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// NewRequest encodes a request body. params may be nil.
func NewRequest(action string, params any) ([]byte, error) {
	req := Request{Action: action}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s parameters: %w", action, err)
		}
		req.Parameters = raw
	}
	return json.Marshal(req)
}

// ParseRequest decodes a request body.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if req.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrInvalidFormat)
	}
	return &req, nil
}

// Decode unmarshals the parameters into v. Missing parameters leave v untouched.
func (r *Request) Decode(v any) error {
	if len(r.Parameters) == 0 || string(r.Parameters) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Parameters, v); err != nil {
		return fmt.Errorf("%w: %s parameters: %v", ErrInvalidFormat, r.Action, err)
	}
	return nil
}

// Response is a decoded response body. Parameters sit next to the status:
//
//	{"status": 0, "client": {...}, "authtoken": "..."}
//	{"status": 4, "error": "Authentication failed"}
type Response struct {
	Status Status
	Error  string
	body   []byte
}

// NewResponse encodes an OK response. params must encode to a JSON object
// or be nil.
func NewResponse(params any) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode response parameters: %w", err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("response parameters must be an object: %w", err)
		}
	}
	fields["status"] = json.RawMessage("0")
	return json.Marshal(fields)
}

// OKResponse returns an OK response without parameters.
func OKResponse() []byte {
	return []byte(`{"status":0}`)
}

// NewErrorResponse encodes a failed response.
func NewErrorResponse(status Status, message string) []byte {
	body, _ := json.Marshal(struct {
		Status Status `json:"status"`
		Error  string `json:"error"`
	}{status, message})
	return body
}

// ParseResponse decodes a response body.
func ParseResponse(body []byte) (*Response, error) {
	var head struct {
		Status *Status `json:"status"`
		Error  string  `json:"error"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if head.Status == nil {
		return nil, fmt.Errorf("%w: missing status", ErrInvalidFormat)
	}
	return &Response{Status: *head.Status, Error: head.Error, body: body}, nil
}

// Err returns a *StatusError for non-OK responses.
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return &StatusError{Status: r.Status, Message: r.Error}
}

// Decode unmarshals the response parameters into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return nil
}
