package types

import (
	"encoding/json"
	"errors"
)

// ErrNotObject is returned when a frame is valid JSON but not an object.
var ErrNotObject = errors.New("frame is not a JSON object")

// Frame is a parsed gateway frame. Only the members the proxy inspects are
// decoded; Raw keeps the exact bytes received so relaying never re-encodes.
type Frame struct {
	Raw    []byte
	fields map[string]json.RawMessage
}

// ParseFrame decodes data as a JSON object.
func ParseFrame(data []byte) (*Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	// "null" decodes into a nil map without error
	if fields == nil {
		return nil, ErrNotObject
	}
	return &Frame{Raw: data, fields: fields}, nil
}

// Type returns the frame's "type" member, or "" if absent or not a string.
func (f *Frame) Type() string { return stringMember(f.fields, "type") }

// ID returns the frame's "id" member, or "" if absent or not a string.
func (f *Frame) ID() string { return stringMember(f.fields, "id") }

// Method returns the frame's "method" member, or "" if absent or not a string.
func (f *Frame) Method() string { return stringMember(f.fields, "method") }

// IsConnect reports whether the frame is a connect request.
func (f *Frame) IsConnect() bool {
	return f.Type() == TypeRequest && f.Method() == MethodConnect
}

// IsResponseTo reports whether the frame is a response to request id.
func (f *Frame) IsResponseTo(id string) bool {
	return f.Type() == TypeResponse && f.ID() == id
}

// PreAuthenticated reports whether the caller already supplied credentials:
// a non-empty params.auth.token or params.device.signature.
func (f *Frame) PreAuthenticated() bool {
	params := objectMember(f.fields, "params")
	if params == nil {
		return false
	}
	if auth := objectMember(params, "auth"); auth != nil && stringMember(auth, "token") != "" {
		return true
	}
	if device := objectMember(params, "device"); device != nil && stringMember(device, "signature") != "" {
		return true
	}
	return false
}

// WithToken returns an encoding of the frame with params.auth.token set.
// Missing or non-object params/auth members are replaced by objects. The
// receiver is not modified.
func (f *Frame) WithToken(token string) ([]byte, error) {
	out := cloneObject(f.fields)
	params := cloneObject(objectMember(f.fields, "params"))
	auth := cloneObject(objectMember(params, "auth"))

	tok, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	auth["token"] = tok

	if params["auth"], err = json.Marshal(auth); err != nil {
		return nil, err
	}
	if out["params"], err = json.Marshal(params); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func stringMember(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func objectMember(m map[string]json.RawMessage, key string) map[string]json.RawMessage {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func cloneObject(m map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
