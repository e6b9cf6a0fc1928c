package nut05

import (
	"encoding/json"
	"testing"
)

func TestMeltQuoteStateJSON(t *testing.T) {
	response := PostMeltQuoteBolt11Response{
		Quote:      "quote",
		Amount:     100,
		FeeReserve: 2,
		State:      Pending,
	}

	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw["state"] != "PENDING" {
		t.Fatalf("expected state '%v' but got '%v'", "PENDING", raw["state"])
	}
	if _, ok := raw["change"]; ok {
		t.Fatal("expected change to be omitted")
	}

	var decoded PostMeltQuoteBolt11Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.State != Pending {
		t.Fatalf("expected state '%v' but got '%v'", Pending, decoded.State)
	}

	if err := json.Unmarshal([]byte(`{"state":"SETTLED"}`), &decoded); err == nil {
		t.Fatal("expected error for invalid state")
	}
}
