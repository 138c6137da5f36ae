package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sgu731/studycap/internal/protocol"
)

// Client sends session commands over the bus.
type Client struct {
	conn *nats.Conn
}

func NewClient(conn *nats.Conn) *Client {
	return &Client{conn: conn}
}

// Send issues command and decodes the reply. A reply with OK=false is not an
// error here; callers inspect Code.
func (c *Client) Send(ctx context.Context, command string, cmd protocol.Command) (Reply, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return Reply{}, err
	}
	subject := protocol.Subject(protocol.SubjectSessionCommandPrefix, command)
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return Reply{}, fmt.Errorf("request %s: %w", subject, err)
	}
	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

// Watch delivers session events until ctx is done.
func (c *Client) Watch(ctx context.Context, fn func(protocol.SessionEvent)) error {
	events := make(chan *nats.Msg, 64)
	sub, err := c.conn.ChanSubscribe(protocol.Subject(protocol.SubjectSessionEventPrefix, "*"), events)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-events:
			var ev protocol.SessionEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				continue
			}
			fn(ev)
		}
	}
}
