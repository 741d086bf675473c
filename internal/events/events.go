// Package events publishes session lifecycle events to NATS so dashboards
// and enrichment workers can react to runs without polling the ledger. A nil
// *Publisher is a valid no-op when events are disabled.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// SessionEvent is the payload published on session lifecycle subjects.
type SessionEvent struct {
	SessionID int64     `json:"session_id"`
	WorkerID  int       `json:"worker_id"`
	Status    string    `json:"status,omitempty"`
	Steps     int       `json:"steps,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes session lifecycle events.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// New connects to the NATS server. subjectPrefix namespaces the published
// subjects, e.g. "feeddrift" yields "feeddrift.sessions.started".
func New(url, subjectPrefix string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[Events] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[Events] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Printf("[Events] Connected to NATS at %s", url)
	return &Publisher{conn: conn, subject: subjectPrefix}, nil
}

func (p *Publisher) publish(suffix string, event SessionEvent) {
	if p == nil {
		return
	}
	event.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Events] Failed to encode event: %v", err)
		return
	}

	subject := fmt.Sprintf("%s.sessions.%s", p.subject, suffix)
	if err := p.conn.Publish(subject, payload); err != nil {
		log.Printf("[Events] Failed to publish %s: %v", subject, err)
	}
}

// SessionStarted announces that a worker opened a session.
func (p *Publisher) SessionStarted(_ context.Context, workerID int, sessionID int64) {
	p.publish("started", SessionEvent{SessionID: sessionID, WorkerID: workerID})
}

// SessionCompleted announces a successful run.
func (p *Publisher) SessionCompleted(_ context.Context, workerID int, sessionID int64, steps int) {
	p.publish("completed", SessionEvent{SessionID: sessionID, WorkerID: workerID, Status: "completed", Steps: steps})
}

// SessionFailed announces a failed run.
func (p *Publisher) SessionFailed(_ context.Context, workerID int, sessionID int64, runErr error) {
	event := SessionEvent{SessionID: sessionID, WorkerID: workerID, Status: "failed"}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	p.publish("failed", event)
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
