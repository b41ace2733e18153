package playsync

import (
	"encoding/json"
	"testing"
)

func fptr(v float64) *float64 { return &v }

func TestStateUnmarshalKnownAndExtraFields(t *testing.T) {
	var s State
	raw := `{"current": 12.5, "length": 100, "title": "movie night", "paused": true}`
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Current == nil || *s.Current != 12.5 {
		t.Errorf("current = %v, want 12.5", s.Current)
	}
	if s.Length == nil || *s.Length != 100 {
		t.Errorf("length = %v, want 100", s.Length)
	}
	if string(s.Extra["title"]) != `"movie night"` {
		t.Errorf("extra title = %s", s.Extra["title"])
	}
	if string(s.Extra["paused"]) != "true" {
		t.Errorf("extra paused = %s", s.Extra["paused"])
	}
}

func TestStateUnmarshalRejectsNonNumericPosition(t *testing.T) {
	var s State
	if err := json.Unmarshal([]byte(`{"current": "ten"}`), &s); err == nil {
		t.Error("non-numeric current accepted, want error")
	}
	if err := json.Unmarshal([]byte(`{"length": []}`), &s); err == nil {
		t.Error("non-numeric length accepted, want error")
	}
}

func TestStateUnmarshalDropsClientForceTime(t *testing.T) {
	var s State
	if err := json.Unmarshal([]byte(`{"forceTime": 123, "current": 1}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.forceAt != 0 {
		t.Errorf("forceAt = %d, client-supplied forceTime must be ignored", s.forceAt)
	}
	if _, ok := s.Extra["forceTime"]; ok {
		t.Error("forceTime leaked into Extra")
	}
}

func TestStateMergeOverwritesAndRetains(t *testing.T) {
	s := State{
		Current: fptr(10),
		Length:  fptr(100),
		Extra:   map[string]json.RawMessage{"title": json.RawMessage(`"a"`)},
	}
	s.Merge(State{
		Current: fptr(30),
		Extra:   map[string]json.RawMessage{"paused": json.RawMessage("false")},
	})

	if *s.Current != 30 {
		t.Errorf("current = %v, want 30", *s.Current)
	}
	if *s.Length != 100 {
		t.Errorf("length = %v, want 100 (unspecified field must be retained)", *s.Length)
	}
	if string(s.Extra["title"]) != `"a"` {
		t.Error("extra title lost on merge")
	}
	if string(s.Extra["paused"]) != "false" {
		t.Error("patch extra field not merged")
	}
}

func TestStateMergeIntoEmpty(t *testing.T) {
	var s State
	s.Merge(State{Extra: map[string]json.RawMessage{"k": json.RawMessage("1")}})
	if string(s.Extra["k"]) != "1" {
		t.Error("merge into zero-value state lost extra field")
	}
}

func TestStateMarshalStripsForceTime(t *testing.T) {
	s := State{Current: fptr(5), forceAt: 999}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if _, ok := out["forceTime"]; ok {
		t.Error("forceTime serialized, must stay server-internal")
	}
	if out["current"] != 5.0 {
		t.Errorf("current = %v, want 5", out["current"])
	}
}

func TestStateMarshalForTagsConnection(t *testing.T) {
	s := State{
		Current: fptr(1),
		Extra:   map[string]json.RawMessage{"title": json.RawMessage(`"b"`)},
	}
	data, err := s.MarshalFor(1712000000123)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if out["clientId"] != float64(1712000000123) {
		t.Errorf("clientId = %v, want 1712000000123", out["clientId"])
	}
	if out["title"] != "b" {
		t.Error("extra field missing from pushed payload")
	}
}

func TestStateCloneIsIndependent(t *testing.T) {
	s := State{
		Current: fptr(1),
		Extra:   map[string]json.RawMessage{"k": json.RawMessage("1")},
		forceAt: 7,
	}
	c := s.Clone()
	*c.Current = 99
	c.Extra["k"] = json.RawMessage("2")

	if *s.Current != 1 {
		t.Error("clone shares Current pointer")
	}
	if string(s.Extra["k"]) != "1" {
		t.Error("clone shares Extra map")
	}
	if c.forceAt != 7 {
		t.Error("clone lost force timestamp")
	}
}
