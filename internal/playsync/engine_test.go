package playsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type engineFixture struct {
	clock    *clockwork.FakeClock
	registry *Registry
	engine   *Engine
	session  *Session
}

func newEngineFixture(t *testing.T, initial State) *engineFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	r := NewRegistry(clock)
	return &engineFixture{
		clock:    clock,
		registry: r,
		engine:   NewEngine(clock, 0),
		session:  r.Create(initial),
	}
}

// tryRecv drains one frame if immediately available. Engine pushes are
// synchronous, so anything delivered is already buffered.
func tryRecv(h *PushHandle) (Frame, bool) {
	select {
	case f, ok := <-h.Frames():
		return f, ok
	default:
		return Frame{}, false
	}
}

func decodeFrame(t *testing.T, f Frame) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(f.Data, &out); err != nil {
		t.Fatalf("decode frame %q: %v", f.Data, err)
	}
	return out
}

func TestForceUpdateAlwaysWins(t *testing.T) {
	fx := newEngineFixture(t, State{})

	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(30)}, true, 0); err != nil {
		t.Fatalf("first force: %v", err)
	}
	// A second force inside the window still succeeds and restarts it.
	fx.clock.Advance(1000 * time.Millisecond)
	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(60)}, true, 0); err != nil {
		t.Fatalf("second force during lock: %v", err)
	}

	// The restarted window rejects a non-force 1400ms after the second
	// force, which is 2400ms after the first.
	fx.clock.Advance(1400 * time.Millisecond)
	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(70)}, false, 0); err != ErrLocked {
		t.Errorf("non-force during restarted window: err = %v, want ErrLocked", err)
	}
}

func TestNonForceRejectedWithinWindowAcceptedAfter(t *testing.T) {
	fx := newEngineFixture(t, State{})

	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(30)}, true, 0); err != nil {
		t.Fatalf("force: %v", err)
	}

	// Exactly at the window edge the lock still holds (age <= 1500ms).
	fx.clock.Advance(1500 * time.Millisecond)
	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(40)}, false, 0); err != ErrLocked {
		t.Errorf("at window edge: err = %v, want ErrLocked", err)
	}

	fx.clock.Advance(1 * time.Millisecond)
	merged, _, err := fx.engine.Update(fx.session, State{Current: fptr(40)}, false, 0)
	if err != nil {
		t.Fatalf("past window: %v", err)
	}
	if *merged.Current != 40 {
		t.Errorf("merged current = %v, want 40", *merged.Current)
	}

	// The expired lock was cleared, not just bypassed: an immediate
	// second non-force update also goes through.
	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(41)}, false, 0); err != nil {
		t.Errorf("after cleared lock: %v", err)
	}
}

func TestLockedUpdateLeavesStateUntouched(t *testing.T) {
	fx := newEngineFixture(t, State{Length: fptr(100)})

	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(30)}, true, 0); err != nil {
		t.Fatalf("force: %v", err)
	}
	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(99)}, false, 0); err != ErrLocked {
		t.Fatalf("expected ErrLocked")
	}

	fx.session.mu.Lock()
	current := *fx.session.state.Current
	fx.session.mu.Unlock()
	if current != 30 {
		t.Errorf("current = %v after rejected update, want 30", current)
	}
}

func TestDriftFilter(t *testing.T) {
	fx := newEngineFixture(t, State{})

	behind := NewPushHandle(4) // 40% of duration: 10% behind, pushed
	close40 := fx.session.Attach(1, behind)
	close40.lastKnown = 40

	near := NewPushHandle(4) // 46%: only 4% behind, filtered
	close46 := fx.session.Attach(2, near)
	close46.lastKnown = 46

	patch := State{Current: fptr(50), Length: fptr(100)}
	_, fo, err := fx.engine.Update(fx.session, patch, false, 0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if fo.Pushed != 1 {
		t.Errorf("pushed = %d, want 1", fo.Pushed)
	}
	if _, ok := tryRecv(behind); !ok {
		t.Error("connection 10%% behind did not receive the push")
	}
	if _, ok := tryRecv(near); ok {
		t.Error("connection 4%% behind received a push")
	}
}

func TestDriftFilterIgnoresAheadClients(t *testing.T) {
	fx := newEngineFixture(t, State{})

	ahead := NewPushHandle(4)
	c := fx.session.Attach(1, ahead)
	c.lastKnown = 80

	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(50), Length: fptr(100)}, false, 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := tryRecv(ahead); ok {
		t.Error("client ahead of the new position was pushed backwards by a non-force update")
	}
}

func TestNonForceWithoutLengthIsNotPushed(t *testing.T) {
	fx := newEngineFixture(t, State{})
	h := NewPushHandle(4)
	fx.session.Attach(1, h)

	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(90)}, false, 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := tryRecv(h); ok {
		t.Error("push happened with no length to compute drift against")
	}
}

func TestForceFanOutReachesEveryone(t *testing.T) {
	fx := newEngineFixture(t, State{})

	handles := make([]*PushHandle, 3)
	for i := range handles {
		handles[i] = NewPushHandle(4)
		c := fx.session.Attach(int64(i+1), handles[i])
		c.lastKnown = 50 // zero drift for all of them
	}

	_, fo, err := fx.engine.Update(fx.session, State{Current: fptr(50), Length: fptr(100)}, true, 0)
	if err != nil {
		t.Fatalf("force update: %v", err)
	}
	if fo.Pushed != 3 {
		t.Errorf("pushed = %d, want 3", fo.Pushed)
	}
	for i, h := range handles {
		if _, ok := tryRecv(h); !ok {
			t.Errorf("connection %d missed the force push", i+1)
		}
	}
}

func TestOriginatorEchoJudgedAgainstPreviousReport(t *testing.T) {
	fx := newEngineFixture(t, State{})
	h := NewPushHandle(4)
	origin := fx.session.Attach(1, h)

	// First report jumps from 0 to 10% — the originator gets its echo.
	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(10), Length: fptr(100)}, false, origin.ID); err != nil {
		t.Fatalf("update: %v", err)
	}
	f, ok := tryRecv(h)
	if !ok {
		t.Fatal("originator missed its own echo after a >5%% jump")
	}
	if got := decodeFrame(t, f)["clientId"]; got != float64(origin.ID) {
		t.Errorf("echo clientId = %v, want %d", got, origin.ID)
	}

	// Next report only moves 2% past its own last one: no echo.
	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(12), Length: fptr(100)}, false, origin.ID); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := tryRecv(h); ok {
		t.Error("originator echoed for a 2%% move")
	}
}

func TestPushPayloadShape(t *testing.T) {
	fx := newEngineFixture(t, State{
		Extra: map[string]json.RawMessage{"title": json.RawMessage(`"m"`)},
	})
	h1 := NewPushHandle(4)
	h2 := NewPushHandle(4)
	c1 := fx.session.Attach(1, h1)
	c2 := fx.session.Attach(2, h2)

	if _, _, err := fx.engine.Update(fx.session, State{Current: fptr(30), Length: fptr(100)}, true, 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	for _, tc := range []struct {
		h  *PushHandle
		id int64
	}{{h1, c1.ID}, {h2, c2.ID}} {
		f, ok := tryRecv(tc.h)
		if !ok {
			t.Fatalf("conn %d got no frame", tc.id)
		}
		if f.Event != EventMessage {
			t.Errorf("event = %q, want %q", f.Event, EventMessage)
		}
		body := decodeFrame(t, f)
		if body["clientId"] != float64(tc.id) {
			t.Errorf("clientId = %v, want %d", body["clientId"], tc.id)
		}
		if body["current"] != 30.0 || body["title"] != "m" {
			t.Errorf("payload = %v", body)
		}
		if _, leak := body["forceTime"]; leak {
			t.Error("forceTime leaked onto the wire")
		}
	}
}

func TestUpdateCountsDroppedFrames(t *testing.T) {
	fx := newEngineFixture(t, State{})
	full := NewPushHandle(1)
	full.push(Frame{Event: EventMessage}) // pre-fill the buffer
	fx.session.Attach(1, full)

	_, fo, err := fx.engine.Update(fx.session, State{Current: fptr(50), Length: fptr(100)}, true, 0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if fo.Dropped != 1 || fo.Pushed != 0 {
		t.Errorf("fanout = %+v, want 1 dropped 0 pushed", fo)
	}
}

func TestSnapshotCarriesConnectionID(t *testing.T) {
	fx := newEngineFixture(t, State{Current: fptr(0), Length: fptr(100)})
	data, err := fx.engine.Snapshot(fx.session, 42)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["clientId"] != 42.0 || body["current"] != 0.0 {
		t.Errorf("snapshot = %v", body)
	}
}

func TestEngineAttachStampsClockID(t *testing.T) {
	fx := newEngineFixture(t, State{})
	c := fx.engine.Attach(fx.session, NewPushHandle(1))
	if want := fx.clock.Now().UnixMilli(); c.ID != want {
		t.Errorf("conn id = %d, want %d", c.ID, want)
	}
}
