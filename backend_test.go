package main

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func newTestBackend(t *testing.T) (*EDMOBackend, *FusedCommunication) {
	t.Helper()
	catalog, err := LoadTaskCatalog(writeTaskFile(t, `["Turn left"]`))
	if err != nil {
		t.Fatalf("LoadTaskCatalog failed: %v", err)
	}
	fused := NewFusedCommunication(nil, nil)
	backend := NewEDMOBackend(fused, catalog, nil, t.TempDir(), false)
	return backend, fused
}

func TestBackendTracksRobots(t *testing.T) {
	backend, fused := newTestBackend(t)
	robot := &fakeEndpoint{id: "R1"}

	fused.bindSerial(robot)
	if !backend.HasRobot("R1") {
		t.Fatalf("robot not tracked after connect")
	}
	if got := backend.ConnectedRobots(); len(got) != 1 || got[0] != "R1" {
		t.Errorf("ConnectedRobots = %v, want [R1]", got)
	}

	fused.unbindSerial(robot)
	if backend.HasRobot("R1") {
		t.Errorf("robot still tracked after disconnect")
	}
}

func TestSessionLifecycle(t *testing.T) {
	backend, fused := newTestBackend(t)
	fused.bindSerial(&fakeEndpoint{id: "R1"})

	if _, err := backend.SessionForRobot("R2"); !errors.Is(err, ErrUnknownRobot) {
		t.Fatalf("unknown robot got %v, want ErrUnknownRobot", err)
	}

	session, err := backend.SessionForRobot("R1")
	if err != nil {
		t.Fatalf("SessionForRobot failed: %v", err)
	}
	again, err := backend.SessionForRobot("R1")
	if err != nil || again != session {
		t.Fatalf("second lookup returned a different session")
	}

	player, err := session.RegisterPlayer(&fakeConn{}, "Alice")
	if err != nil {
		t.Fatalf("RegisterPlayer failed: %v", err)
	}
	player.handleOpen()
	player.handleClosed()

	if _, ok := backend.SessionFor("R1"); ok {
		t.Errorf("session survived its last player leaving")
	}
}

func TestGlobalSimpleView(t *testing.T) {
	backend, fused := newTestBackend(t)
	fused.bindSerial(&fakeEndpoint{id: "R1"})

	if !backend.SimpleView() {
		t.Fatalf("simple view should default on")
	}

	session, err := backend.SessionForRobot("R1")
	if err != nil {
		t.Fatalf("SessionForRobot failed: %v", err)
	}
	conn := &fakeConn{}
	p, err := session.RegisterPlayer(conn, "Alice")
	if err != nil {
		t.Fatalf("RegisterPlayer failed: %v", err)
	}
	p.handleOpen()

	backend.SetSimpleView(false)
	if !conn.received("SimpleMode 0") {
		t.Errorf("running session missed the view change: %q", conn.messages())
	}

	// Sessions created after the change start with the new default.
	fused.bindSerial(&fakeEndpoint{id: "R2"})
	session2, err := backend.SessionForRobot("R2")
	if err != nil {
		t.Fatalf("SessionForRobot failed: %v", err)
	}
	c2 := &fakeConn{}
	p2, err := session2.RegisterPlayer(c2, "Bob")
	if err != nil {
		t.Fatalf("RegisterPlayer failed: %v", err)
	}
	p2.handleOpen()
	if !c2.received("SimpleMode 0") {
		t.Errorf("new session ignored the global view mode: %q", c2.messages())
	}
}

func TestRobotReconnectKeepsSessionClock(t *testing.T) {
	backend, fused := newTestBackend(t)
	robot := &fakeEndpoint{id: "R1"}
	fused.bindSerial(robot)

	session, err := backend.SessionForRobot("R1")
	if err != nil {
		t.Fatalf("SessionForRobot failed: %v", err)
	}
	p, err := session.RegisterPlayer(&fakeConn{}, "Alice")
	if err != nil {
		t.Fatalf("RegisterPlayer failed: %v", err)
	}
	p.handleOpen()

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, 5000)
	robot.deliver(Command{Instruction: InstrGetTime, Data: body})

	fused.unbindSerial(robot)
	if backend.HasRobot("R1") {
		t.Fatalf("robot still reachable after transport loss")
	}
	if _, ok := backend.SessionFor("R1"); !ok {
		t.Fatalf("session evicted by a transport loss")
	}

	// Same identity comes back on a fresh endpoint; the session must
	// realign the robot clock to where it left off.
	revived := &fakeEndpoint{id: "R1"}
	fused.bindSerial(revived)

	revived.mu.Lock()
	frames := make([]Command, len(revived.frames))
	for i, frame := range revived.frames {
		frames[i] = TryParse(frame)
	}
	revived.mu.Unlock()

	found := false
	for _, cmd := range frames {
		if cmd.Instruction == InstrSessionStart {
			found = true
			if len(cmd.Data) != 4 || binary.LittleEndian.Uint32(cmd.Data) != 5000 {
				t.Errorf("reconnect clock body = % x, want 5000", cmd.Data)
			}
		}
	}
	if !found {
		t.Errorf("no SESSION_START after reconnect, frames: %v", frames)
	}
	if again, _ := backend.SessionFor("R1"); again != session {
		t.Errorf("reconnect replaced the session object")
	}
}

func TestUpdateHoldsTickFloor(t *testing.T) {
	backend, _ := newTestBackend(t)

	start := time.Now()
	backend.Update(context.Background())
	if elapsed := time.Since(start); elapsed < backendTickFloor {
		t.Errorf("tick finished in %v, floor is %v", elapsed, backendTickFloor)
	}

	// A cancelled context skips the floor so shutdown is prompt.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	backend.Update(ctx)
	if elapsed := time.Since(start); elapsed > backendTickFloor {
		t.Errorf("cancelled tick still took %v", elapsed)
	}
}

func TestBackendCloseShutsSessions(t *testing.T) {
	backend, fused := newTestBackend(t)
	fused.bindSerial(&fakeEndpoint{id: "R1"})
	session, err := backend.SessionForRobot("R1")
	if err != nil {
		t.Fatalf("SessionForRobot failed: %v", err)
	}
	conn := &fakeConn{}
	p, err := session.RegisterPlayer(conn, "Alice")
	if err != nil {
		t.Fatalf("RegisterPlayer failed: %v", err)
	}
	p.handleOpen()

	backend.Close()
	if !conn.isClosed() {
		t.Errorf("player connection survived backend shutdown")
	}
}
