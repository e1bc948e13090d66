// Package notify fans job-state events out to live client connections and
// periodically broadcasts system health snapshots.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

const broadcastInterval = 30 * time.Second

// Conn is the transport side of one live client connection. The gorilla
// WebSocket connection satisfies it; tests use fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// StatusSource supplies the system health snapshot for periodic broadcasts.
type StatusSource interface {
	SystemStatus(ctx context.Context) map[string]any
}

// Inbound message kinds recognised from clients. Anything else is logged and
// ignored.
const (
	msgSubscribeJob    = "subscribe_job"
	msgUnsubscribeJob  = "unsubscribe_job"
	msgGetSystemStatus = "get_system_status"
	msgPing            = "ping"
)

// clientMessage is the envelope for inbound client messages.
type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

// Manager maps sessions to connections and jobs to subscriber sets. It never
// blocks the job pipeline on a slow or dead client: a failed send tears the
// connection down.
type Manager struct {
	mu sync.Mutex

	conns       map[string]Conn                // session id -> connection
	jobSubs     map[string]map[string]struct{} // job id -> subscribed sessions
	sessionJobs map[string]map[string]struct{} // session id -> subscribed jobs
	connectedAt map[string]time.Time

	status StatusSource
	log    *logger.Logger
}

// NewManager creates an empty manager.
func NewManager(status StatusSource, log *logger.Logger) *Manager {
	return &Manager{
		conns:       make(map[string]Conn),
		jobSubs:     make(map[string]map[string]struct{}),
		sessionJobs: make(map[string]map[string]struct{}),
		connectedAt: make(map[string]time.Time),
		status:      status,
		log:         log,
	}
}

// Connect registers a live connection, assigning a session identifier when
// the client did not present one, and sends the connection acknowledgement.
func (m *Manager) Connect(conn Conn, sessionID string) string {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.Lock()
	m.conns[sessionID] = conn
	m.sessionJobs[sessionID] = make(map[string]struct{})
	m.connectedAt[sessionID] = time.Now()
	m.mu.Unlock()

	m.log.Info("Client connected: %s", sessionID)

	m.Send(sessionID, map[string]any{
		"type":       "connection",
		"status":     "connected",
		"session_id": sessionID,
		"timestamp":  time.Now(),
	})

	return sessionID
}

// Disconnect removes the connection and all of its job subscriptions. It is
// idempotent; subscriber sets left empty are removed entirely.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()

	conn, connected := m.conns[sessionID]
	delete(m.conns, sessionID)
	delete(m.connectedAt, sessionID)

	for jobID := range m.sessionJobs[sessionID] {
		subs := m.jobSubs[jobID]
		delete(subs, sessionID)

		if len(subs) == 0 {
			delete(m.jobSubs, jobID)
		}
	}

	delete(m.sessionJobs, sessionID)
	m.mu.Unlock()

	if connected {
		if err := conn.Close(); err != nil {
			m.log.Warn("Error closing connection for %s: %v", sessionID, err)
		}

		m.log.Info("Client disconnected: %s", sessionID)
	}
}

// Send delivers a message to one session, best-effort. Any transport failure
// treats the connection as dead and disconnects it.
func (m *Manager) Send(sessionID string, message any) bool {
	m.mu.Lock()
	conn, ok := m.conns[sessionID]
	m.mu.Unlock()

	if !ok {
		return false
	}

	if err := conn.WriteJSON(message); err != nil {
		m.log.Warn("Send to %s failed, dropping connection: %v", sessionID, err)
		m.Disconnect(sessionID)

		return false
	}

	return true
}

// Subscribe adds the session to a job's subscriber set. It fails silently for
// unknown sessions.
func (m *Manager) Subscribe(sessionID, jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[sessionID]; !ok {
		return false
	}

	if m.jobSubs[jobID] == nil {
		m.jobSubs[jobID] = make(map[string]struct{})
	}

	m.jobSubs[jobID][sessionID] = struct{}{}
	m.sessionJobs[sessionID][jobID] = struct{}{}

	m.log.Info("Session %s subscribed to job %s", sessionID, jobID)

	return true
}

// Unsubscribe removes the session from a job's subscriber set, deleting the
// set when it empties.
func (m *Manager) Unsubscribe(sessionID, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.jobSubs[jobID]
	delete(subs, sessionID)

	if len(subs) == 0 {
		delete(m.jobSubs, jobID)
	}

	delete(m.sessionJobs[sessionID], jobID)
}

// NotifyJobUpdate fans the update out to the job's current subscriber set,
// at-most-once per subscriber. Subscribers whose send fails are pruned.
func (m *Manager) NotifyJobUpdate(jobID string, fields map[string]any) {
	m.mu.Lock()
	subscribers := make([]string, 0, len(m.jobSubs[jobID]))

	for sessionID := range m.jobSubs[jobID] {
		subscribers = append(subscribers, sessionID)
	}
	m.mu.Unlock()

	if len(subscribers) == 0 {
		return
	}

	message := map[string]any{
		"type":      "job_update",
		"job_id":    jobID,
		"timestamp": time.Now(),
	}
	for k, v := range fields {
		message[k] = v
	}

	for _, sessionID := range subscribers {
		// A failed send disconnects the session, which prunes its
		// subscriptions.
		m.Send(sessionID, message)
	}
}

// Broadcast sends a message to every live connection.
func (m *Manager) Broadcast(message any) {
	m.mu.Lock()
	sessions := make([]string, 0, len(m.conns))

	for sessionID := range m.conns {
		sessions = append(sessions, sessionID)
	}
	m.mu.Unlock()

	for _, sessionID := range sessions {
		m.Send(sessionID, message)
	}
}

// SendSystemStatus pushes the health snapshot to one session, or to all
// connections when sessionID is empty.
func (m *Manager) SendSystemStatus(ctx context.Context, sessionID string) {
	message := map[string]any{
		"type":      "system_status",
		"timestamp": time.Now(),
	}

	if m.status != nil {
		for k, v := range m.status.SystemStatus(ctx) {
			message[k] = v
		}
	}

	message["connections"] = m.ConnectionStats()

	if sessionID != "" {
		m.Send(sessionID, message)

		return
	}

	m.Broadcast(message)
}

// HandleMessage processes one inbound client message. Unknown or malformed
// messages are logged and ignored; no error is sent back.
func (m *Manager) HandleMessage(ctx context.Context, sessionID string, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.log.Warn("Malformed message from %s: %v", sessionID, err)

		return
	}

	switch msg.Type {
	case msgSubscribeJob:
		if msg.JobID == "" {
			return
		}

		if m.Subscribe(sessionID, msg.JobID) {
			m.Send(sessionID, map[string]any{
				"type":   "subscription_confirmed",
				"job_id": msg.JobID,
			})
		}
	case msgUnsubscribeJob:
		if msg.JobID != "" {
			m.Unsubscribe(sessionID, msg.JobID)
		}
	case msgGetSystemStatus:
		m.SendSystemStatus(ctx, sessionID)
	case msgPing:
		m.Send(sessionID, map[string]any{
			"type":      "pong",
			"timestamp": time.Now(),
		})
	default:
		m.log.Warn("Unknown message type from %s: %q", sessionID, msg.Type)
	}
}

// ConnectionStats summarises the live connection and subscription counts.
func (m *Manager) ConnectionStats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	totalSubs := 0
	for _, subs := range m.jobSubs {
		totalSubs += len(subs)
	}

	return map[string]any{
		"active":              len(m.conns),
		"total_subscriptions": totalSubs,
		"active_jobs":         len(m.jobSubs),
	}
}

// SubscriberCount returns the size of a job's subscriber set.
func (m *Manager) SubscriberCount(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.jobSubs[jobID])
}

// Run broadcasts the system health snapshot to all connections on a fixed
// interval until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SendSystemStatus(ctx, "")
		}
	}
}
