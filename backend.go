package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// backendTickFloor is the minimum duration of one supervisor tick.
// Updates never run more than ten times a second.
const backendTickFloor = 100 * time.Millisecond

// ErrUnknownRobot rejects operations against a robot identifier that
// is not currently reachable on any transport.
var ErrUnknownRobot = errors.New("no such robot connected")

// EDMOBackend supervises the fleet: which robots are reachable, the
// session attached to each, and the shared update tick that drives
// them all.
type EDMOBackend struct {
	fused   *FusedCommunication
	catalog *TaskCatalog
	events  EventSink
	metrics *PrometheusMetrics

	logDir      string
	archiveLogs bool

	mu         sync.Mutex
	robots     map[string]*FusedChannel
	sessions   map[string]*EDMOSession
	simpleView bool
}

// NewEDMOBackend wires the supervisor onto the fused transport layer.
// Sessions write their logs under logDir; archiveLogs compresses each
// finished session directory.
func NewEDMOBackend(fused *FusedCommunication, catalog *TaskCatalog, events EventSink, logDir string, archiveLogs bool) *EDMOBackend {
	b := &EDMOBackend{
		fused:       fused,
		catalog:     catalog,
		events:      events,
		logDir:      logDir,
		archiveLogs: archiveLogs,
		robots:      make(map[string]*FusedChannel),
		sessions:    make(map[string]*EDMOSession),
		simpleView:  true,
	}
	fused.OnRobotConnected = b.robotConnected
	fused.OnRobotDisconnected = b.robotDisconnected
	return b
}

func (b *EDMOBackend) SetPrometheusMetrics(metrics *PrometheusMetrics) {
	b.metrics = metrics
}

func (b *EDMOBackend) robotConnected(ch *FusedChannel) {
	b.mu.Lock()
	b.robots[ch.Identifier()] = ch
	count := len(b.robots)
	b.mu.Unlock()

	log.Printf("Backend: robot %s connected, %d online", ch.Identifier(), count)
	b.publishEvent("robot_connected", map[string]interface{}{
		"robot":  ch.Identifier(),
		"online": count,
	})
}

// robotDisconnected drops the robot from the reachable set. An
// attached session stays alive; its tick goes quiet until the robot
// comes back.
func (b *EDMOBackend) robotDisconnected(ch *FusedChannel) {
	b.mu.Lock()
	delete(b.robots, ch.Identifier())
	count := len(b.robots)
	b.mu.Unlock()

	log.Printf("Backend: robot %s disconnected, %d online", ch.Identifier(), count)
	b.publishEvent("robot_disconnected", map[string]interface{}{
		"robot":  ch.Identifier(),
		"online": count,
	})
}

// HasRobot reports whether the identifier is reachable right now.
func (b *EDMOBackend) HasRobot(identifier string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.robots[identifier]
	return ok
}

// ConnectedRobots lists the reachable robot identifiers, sorted.
func (b *EDMOBackend) ConnectedRobots() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.robots))
	for id := range b.robots {
		out = append(out, id)
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out
}

// SessionFor looks up an existing session without creating one.
func (b *EDMOBackend) SessionFor(identifier string) (*EDMOSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[identifier]
	return session, ok
}

// Sessions snapshots every active session, sorted by robot identifier.
func (b *EDMOBackend) Sessions() []*EDMOSession {
	b.mu.Lock()
	out := make([]*EDMOSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier() < out[j].Identifier() })
	return out
}

// SessionForRobot returns the robot's session, creating it on first
// use. Only reachable robots get sessions.
func (b *EDMOBackend) SessionForRobot(identifier string) (*EDMOSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if session, ok := b.sessions[identifier]; ok {
		return session, nil
	}
	ch, ok := b.robots[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRobot, identifier)
	}

	logger := NewSessionLogger(b.logDir, identifier, b.archiveLogs, b.metrics)
	session := NewEDMOSession(ch, maxPlayerCount, b.catalog, logger, b.events, b.removeSession)
	if !b.simpleView {
		session.SetSimpleView(false)
	}
	b.sessions[identifier] = session

	log.Printf("Backend: session %s opened", identifier)
	b.publishEvent("session_opened", map[string]interface{}{"robot": identifier})
	return session, nil
}

// removeSession is handed to each session as its removal callback; the
// session invokes it after its last player leaves.
func (b *EDMOBackend) removeSession(s *EDMOSession) {
	identifier := s.Identifier()
	b.mu.Lock()
	if b.sessions[identifier] == s {
		delete(b.sessions, identifier)
	}
	b.mu.Unlock()

	s.Close()
	if b.metrics != nil {
		b.metrics.SessionActivityLevel.DeleteLabelValues(identifier)
	}
	log.Printf("Backend: session %s closed", identifier)
	b.publishEvent("session_closed", map[string]interface{}{"robot": identifier})
}

// SimpleView reports the global default view mode.
func (b *EDMOBackend) SimpleView() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.simpleView
}

// SetSimpleView changes the default view mode for future sessions and
// pushes it into every running one.
func (b *EDMOBackend) SetSimpleView(value bool) {
	b.mu.Lock()
	b.simpleView = value
	sessions := make([]*EDMOSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.SetSimpleView(value)
	}
}

// Counts reports fleet totals for the status page.
func (b *EDMOBackend) Counts() (robots, sessions, players int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		players += s.PlayerCount()
	}
	return len(b.robots), len(b.sessions), players
}

// Update runs one supervisor tick: transport discovery and every
// session's update concurrently, all awaited together with a 100 ms
// floor so the loop never spins faster than 10 Hz.
func (b *EDMOBackend) Update(ctx context.Context) {
	started := time.Now()
	floor := time.NewTimer(backendTickFloor)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.fused.Update(ctx)
	}()

	sessions := b.Sessions()
	for _, s := range sessions {
		wg.Add(1)
		go func(s *EDMOSession) {
			defer wg.Done()
			s.Update()
		}(s)
	}
	wg.Wait()

	select {
	case <-floor.C:
	case <-ctx.Done():
		floor.Stop()
	}

	if b.metrics != nil {
		robots, sessionCount, players := b.Counts()
		b.metrics.RobotsConnected.Set(float64(robots))
		b.metrics.SessionsActive.Set(float64(sessionCount))
		b.metrics.PlayersActive.Set(float64(players))
		for _, s := range sessions {
			_, stddev := s.ActivityLevel()
			b.metrics.SessionActivityLevel.WithLabelValues(s.Identifier()).Set(stddev)
		}
		b.metrics.TickDuration.Observe(time.Since(started).Seconds())
	}
}

// Close tears the whole fleet down: transports first so nothing new
// arrives, then every session.
func (b *EDMOBackend) Close() {
	b.fused.Close()

	b.mu.Lock()
	sessions := make([]*EDMOSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[string]*EDMOSession)
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (b *EDMOBackend) publishEvent(event string, fields map[string]interface{}) {
	if b.events != nil {
		b.events.PublishEvent(event, fields)
	}
}
