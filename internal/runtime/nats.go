package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// natsConn is the part of *nats.Conn the runtime uses.
type natsConn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATS talks to a host runtime over NATS:
//
//	{subject}.discover  request/reply, reply is [{"id": "..."}]
//	{subject}.changed   publish, {"source": self, "at": RFC3339}
type NATS struct {
	conn    natsConn
	subject string
	self    string
	log     *slog.Logger
	changes chan struct{}
	sub     *nats.Subscription
}

var _ Runtime = (*NATS)(nil)

type NATSOptions struct {
	URL     string
	Subject string // defaults to "gateway"
	Self    string // this gateway's application id
	Logger  *slog.Logger
}

// ConnectNATS dials the server and subscribes to restart signals.
func ConnectNATS(opts NATSOptions) (*NATS, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	name := "gateway"
	if opts.Self != "" {
		name += "-" + opts.Self
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
	}
	n, err := newNATS(nc, opts.Subject, opts.Self, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return n, nil
}

func newNATS(conn natsConn, subject, self string, log *slog.Logger) (*NATS, error) {
	subject = strings.Trim(subject, ".")
	if subject == "" {
		subject = "gateway"
	}
	n := &NATS{conn: conn, subject: subject, self: self, log: log, changes: make(chan struct{}, 1)}
	sub, err := conn.Subscribe(n.subject+".changed", func(*nats.Msg) {
		select {
		case n.changes <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.changed: %w", n.subject, err)
	}
	n.sub = sub
	return n, nil
}

type discoveredApp struct {
	ID string `json:"id"`
}

type changedEvent struct {
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

func (n *NATS) Discover(ctx context.Context) ([]string, error) {
	msg, err := n.conn.RequestWithContext(ctx, n.subject+".discover", nil)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	return decodeDiscovery(msg.Data, n.self)
}

func decodeDiscovery(data []byte, self string) ([]string, error) {
	var apps []discoveredApp
	if err := json.Unmarshal(data, &apps); err != nil {
		return nil, fmt.Errorf("discover: invalid reply: %w", err)
	}
	ids := make([]string, 0, len(apps))
	for _, a := range apps {
		if a.ID != "" && a.ID != self {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (n *NATS) NotifyChanged(ctx context.Context) error {
	b, err := json.Marshal(changedEvent{Source: n.self, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject+".changed", b); err != nil {
		return fmt.Errorf("publish %s.changed: %w", n.subject, err)
	}
	return n.conn.FlushWithContext(ctx)
}

func (n *NATS) Changes() <-chan struct{} { return n.changes }

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
