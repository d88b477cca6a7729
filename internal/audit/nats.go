package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject entries are published on.
const DefaultSubject = "chatrelay.audit"

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSSink publishes each entry as JSON.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink publishes on subject through pub.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

// DialNATS connects to url and returns a sink publishing on subject.
func DialNATS(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("chatrelay-audit"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSSink(conn, subject), nil
}

// Write publishes e. Delivery is fire and forget.
func (s *NATSSink) Write(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() error {
	return s.pub.Drain()
}
