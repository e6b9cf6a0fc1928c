package nut07

import (
	"encoding/json"
	"testing"
)

func TestProofStateJSON(t *testing.T) {
	tests := []struct {
		json     string
		expected State
		valid    bool
	}{
		{json: `{"Y":"02aa","state":"UNSPENT"}`, expected: Unspent, valid: true},
		{json: `{"Y":"02aa","state":"PENDING"}`, expected: Pending, valid: true},
		{json: `{"Y":"02aa","state":"SPENT"}`, expected: Spent, valid: true},
		{json: `{"Y":"02aa","state":"BURNT"}`, valid: false},
	}

	for _, test := range tests {
		var state ProofState
		err := json.Unmarshal([]byte(test.json), &state)
		if !test.valid {
			if err == nil {
				t.Errorf("expected error for '%v'", test.json)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if state.State != test.expected {
			t.Errorf("expected '%v' but got '%v'", test.expected, state.State)
		}

		data, _ := json.Marshal(state)
		if string(data) != test.json {
			t.Errorf("expected '%v' but got '%v'", test.json, string(data))
		}
	}
}
