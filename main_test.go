package main

import (
	"reflect"
	"testing"
)

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"fontSize=18", "font=arial", "rewriteEnabled=false", "textColor=#111111"})
	if err != nil {
		t.Fatalf("parseAssignments: %v", err)
	}
	want := map[string]any{
		"fontSize":       float64(18),
		"font":           "arial",
		"rewriteEnabled": false,
		"textColor":      "#111111",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := parseAssignments([]string{"fontSize"}); err == nil {
		t.Error("expected error for missing '='")
	}
}

func TestReorderArgs(t *testing.T) {
	got := reorderArgs([]string{"alice", "--password", "pw", "--addr=127.0.0.1:1"})
	want := []string{"--password", "pw", "--addr=127.0.0.1:1", "alice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAgentURL(t *testing.T) {
	if got := agentURL("127.0.0.1:19292"); got != "ws://127.0.0.1:19292/" {
		t.Errorf("agentURL = %q", got)
	}
	if got := agentURL("wss://agent.example/"); got != "wss://agent.example/" {
		t.Errorf("agentURL should keep explicit scheme, got %q", got)
	}
}
