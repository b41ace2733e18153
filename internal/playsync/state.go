package playsync

import (
	"encoding/json"
	"strconv"
)

// Reserved field names in the session state JSON. "forceTime" is accepted
// on input but always discarded: the force-lock timestamp is server
// bookkeeping and never trusted from or exposed to clients.
const (
	fieldCurrent   = "current"
	fieldLength    = "length"
	fieldForceTime = "forceTime"
	fieldClientID  = "clientId"
)

// State is the shared playback state of a session. Current and Length are
// the conventional playback offset and total duration (same unit, typically
// seconds); nil means the field has not been reported yet. Extra carries
// any other fields clients include, merged and re-broadcast verbatim.
//
// When used as a patch, nil fields mean "leave unchanged".
type State struct {
	Current *float64
	Length  *float64
	Extra   map[string]json.RawMessage

	// forceAt is the unix-millisecond timestamp of the last force update,
	// zero when no force lock has been taken. Never serialized.
	forceAt int64
}

// Merge shallow-merges patch into s: fields present in patch overwrite
// same-named fields, everything else is retained.
func (s *State) Merge(patch State) {
	if patch.Current != nil {
		v := *patch.Current
		s.Current = &v
	}
	if patch.Length != nil {
		v := *patch.Length
		s.Length = &v
	}
	for k, v := range patch.Extra {
		if s.Extra == nil {
			s.Extra = make(map[string]json.RawMessage, len(patch.Extra))
		}
		s.Extra[k] = v
	}
}

// Clone returns a deep copy of s, including the force timestamp.
func (s State) Clone() State {
	out := State{forceAt: s.forceAt}
	if s.Current != nil {
		v := *s.Current
		out.Current = &v
	}
	if s.Length != nil {
		v := *s.Length
		out.Length = &v
	}
	if s.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// MarshalJSON serializes the state without the force timestamp.
func (s State) MarshalJSON() ([]byte, error) {
	return s.marshal(0)
}

// MarshalFor serializes the state tagged with the receiving connection's
// id, the shape pushed to clients on the sync stream.
func (s State) MarshalFor(connID int64) ([]byte, error) {
	return s.marshal(connID)
}

func (s State) marshal(connID int64) ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(s.Extra)+3)
	for k, v := range s.Extra {
		fields[k] = v
	}
	if s.Current != nil {
		fields[fieldCurrent] = numberJSON(*s.Current)
	}
	if s.Length != nil {
		fields[fieldLength] = numberJSON(*s.Length)
	}
	if connID != 0 {
		fields[fieldClientID] = json.RawMessage(strconv.FormatInt(connID, 10))
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes free-form client state. current and length must be
// numbers when present; unknown fields land in Extra untouched. A
// client-supplied forceTime is dropped.
func (s *State) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*s = State{}
	for k, v := range fields {
		switch k {
		case fieldCurrent:
			var f float64
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			s.Current = &f
		case fieldLength:
			var f float64
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			s.Length = &f
		case fieldForceTime:
			// server-internal, ignore
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]json.RawMessage)
			}
			s.Extra[k] = v
		}
	}
	return nil
}

func numberJSON(f float64) json.RawMessage {
	return json.RawMessage(strconv.FormatFloat(f, 'f', -1, 64))
}
