package server

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Roles a connection can register as with a hello message.
const (
	RoleTab   = "tab"
	RolePopup = "popup"
)

// ActionHello registers a connection. It is answered by the hub itself.
const ActionHello = "hello"

// Request is one tagged-action envelope: {id, action, ...payload}.
type Request struct {
	ID     string
	Action string
	// TabID is the registered tab of the sending connection, 0 for popups.
	TabID int
	Role  string
	raw   json.RawMessage
}

// Decode unmarshals the payload fields of the envelope into dst.
func (r Request) Decode(dst any) error {
	if len(r.raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.raw, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.Action, err)
	}
	return nil
}

type header struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	TabID  int    `json:"tabId"`
	Role   string `json:"role"`
}

// ParseRequest decodes the envelope header and keeps the raw payload.
func ParseRequest(data []byte) (Request, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return Request{}, fmt.Errorf("parse envelope: %w", err)
	}
	if h.Action == "" {
		return Request{}, fmt.Errorf("parse envelope: missing action")
	}
	return Request{ID: h.ID, Action: h.Action, TabID: h.TabID, Role: h.Role, raw: data}, nil
}

// NewRequest builds a request from a payload value, for clients and tests.
func NewRequest(id, action string, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	if id != "" {
		fields["id"], _ = json.Marshal(id)
	}
	fields["action"], _ = json.Marshal(action)
	return json.Marshal(fields)
}

// EncodeResponse flattens v into an object and adds id, giving
// {id, ...result}. Non-object results are carried under "result".
func EncodeResponse(id string, v any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			if err := json.Unmarshal(trimmed, &fields); err != nil {
				return nil, err
			}
		} else if !bytes.Equal(trimmed, []byte("null")) {
			fields["result"] = trimmed
		}
	}
	if id != "" {
		fields["id"], _ = json.Marshal(id)
	}
	return json.Marshal(fields)
}
