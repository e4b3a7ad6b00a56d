package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "testforge.runs"

// publisher is the part of *nats.Conn the NATS sink needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher mirrors run events onto "<subject>.<run_id>.<type>" so that
// other services can follow runs without polling.
type NATSPublisher struct {
	pub     publisher
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// ConnectNATS dials url and returns a publisher rooted at subject.
func ConnectNATS(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("testforge"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	p := newNATSPublisher(conn, subject, logger)
	p.conn = conn
	return p, nil
}

func newNATSPublisher(pub publisher, subject string, logger *slog.Logger) *NATSPublisher {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{pub: pub, subject: subject, logger: logger.With("component", "nats")}
}

// Sink publishes ev. Failures are logged and otherwise ignored; NATS is an
// observer and never holds up a run.
func (p *NATSPublisher) Sink(ev map[string]any) {
	runID, _ := ev["run_id"].(string)
	typ, _ := ev["type"].(string)
	subj := p.Subject(runID, typ)
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("encoding event failed", "subject", subj, "error", err)
		return
	}
	if err := p.pub.Publish(subj, data); err != nil {
		p.logger.Warn("publishing event failed", "subject", subj, "error", err)
	}
}

// Subject returns the subject for an event; empty parts become "_".
func (p *NATSPublisher) Subject(runID, typ string) string {
	part := func(s string) string {
		s = strings.Map(func(r rune) rune {
			switch r {
			case '.', '*', '>', ' ', '\t', '\n':
				return '_'
			}
			return r
		}, s)
		if s == "" {
			return "_"
		}
		return s
	}
	return p.subject + "." + part(runID) + "." + part(typ)
}

// Close drains the connection when the publisher owns one.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
