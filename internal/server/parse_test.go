package server

import (
	"encoding/json"
	"testing"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"id":"r1","action":"updateSettings","settings":{"fontSize":20}}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.ID != "r1" || req.Action != "updateSettings" {
		t.Errorf("unexpected header %+v", req)
	}

	var payload struct {
		Settings map[string]any `json:"settings"`
	}
	if err := req.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.Settings["fontSize"] != float64(20) {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestParseRequestMissingAction(t *testing.T) {
	if _, err := ParseRequest([]byte(`{"id":"r1"}`)); err == nil {
		t.Error("expected error for envelope without action")
	}
	if _, err := ParseRequest([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestEncodeResponse(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want map[string]any
	}{
		{"object", map[string]any{"success": true}, map[string]any{"id": "r1", "success": true}},
		{"nil", nil, map[string]any{"id": "r1"}},
		{"scalar", "hello", map[string]any{"id": "r1", "result": "hello"}},
		{"struct", struct {
			Enabled bool `json:"enabled"`
		}{true}, map[string]any{"id": "r1", "enabled": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeResponse("r1", tt.v)
			if err != nil {
				t.Fatalf("EncodeResponse: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s: got %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestNewRequestRoundTrip(t *testing.T) {
	data, err := NewRequest("r2", "login", map[string]string{"username": "alice"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req, err := ParseRequest(data)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	var body struct {
		Username string `json:"username"`
	}
	req.Decode(&body)
	if req.ID != "r2" || req.Action != "login" || body.Username != "alice" {
		t.Errorf("unexpected request %+v / %+v", req, body)
	}
}
