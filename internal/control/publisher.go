package control

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/sgu731/studycap/internal/protocol"
)

// Publisher forwards session events to session.event.<type>.
type Publisher struct {
	conn *nats.Conn
	log  *slog.Logger
}

func NewPublisher(conn *nats.Conn, log *slog.Logger) *Publisher {
	return &Publisher{conn: conn, log: log.With(slog.String("component", "event-publisher"))}
}

func (p *Publisher) Notify(ev protocol.SessionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("encode session event failed", slog.String("error", err.Error()))
		return
	}
	subject := protocol.Subject(protocol.SubjectSessionEventPrefix, ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("publish session event failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
