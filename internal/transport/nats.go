package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/pkg/api"
)

const (
	// SenderHeader carries the id of the peer that published a message.
	SenderHeader         = "Tensorlink-Sender"
	defaultSubjectPrefix = "tensorlink.peer"
)

type NatsConfig struct {
	Servers       []string `validate:"required,min=1"`
	SubjectPrefix string
	ConnTimeout   time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

func (c NatsConfig) prefix() string {
	if c.SubjectPrefix == "" {
		return defaultSubjectPrefix
	}
	return c.SubjectPrefix
}

// NatsTransport addresses every peer by its own subject, <prefix>.<peer id>, and marks messages
// with the sender id in a header.
type NatsTransport struct {
	id     api.PeerId
	prefix string
	conn   *nats.Conn
	mu     sync.Mutex
	sub    *nats.Subscription
}

// NewNatsTransport connects to NATS as peer id.
func NewNatsTransport(id api.PeerId, config NatsConfig) (*NatsTransport, error) {
	if err := validatePeerId(id); err != nil {
		return nil, err
	}
	opts := []nats.Option{
		nats.Name(string(id)),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).WithField("peer", id).Warn("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("peer", id).Infof("reconnected to NATS at %s", c.ConnectedUrl())
		}),
	}
	if config.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(config.ConnTimeout))
	}
	if config.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(config.ReconnectWait))
	}
	conn, err := nats.Connect(strings.Join(config.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS servers %v", config.Servers)
	}
	return &NatsTransport{id: id, prefix: config.prefix(), conn: conn}, nil
}

func (t *NatsTransport) LocalId() api.PeerId {
	return t.id
}

func (t *NatsTransport) subject(id api.PeerId) string {
	return t.prefix + "." + string(id)
}

func (t *NatsTransport) Send(ctx context.Context, to api.PeerId, data []byte) error {
	if err := validatePeerId(to); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	msg := nats.NewMsg(t.subject(to))
	msg.Header.Set(SenderHeader, string(t.id))
	msg.Data = data
	if err := t.conn.PublishMsg(msg); err != nil {
		return errors.Wrapf(err, "publishing to %s", to)
	}
	return nil
}

func (t *NatsTransport) Listen(handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sub != nil {
		return errors.Errorf("transport %s is already listening", t.id)
	}
	sub, err := t.conn.Subscribe(t.subject(t.id), func(msg *nats.Msg) {
		from := api.PeerId(msg.Header.Get(SenderHeader))
		if from == "" {
			log.WithField("subject", msg.Subject).Debug("dropping message without sender")
			return
		}
		if err := handler(from, msg.Data); err != nil {
			log.WithError(err).WithFields(log.Fields{"peer": t.id, "from": from}).Warn("failed to handle message")
		}
	})
	if err != nil {
		return errors.Wrapf(err, "subscribing to %s", t.subject(t.id))
	}
	t.sub = sub
	return errors.WithStack(t.conn.Flush())
}

// Close drains the subscription so messages already received are still handled, then closes
// the connection.
func (t *NatsTransport) Close() error {
	err := t.conn.Drain()
	for !t.conn.IsClosed() {
		time.Sleep(10 * time.Millisecond)
	}
	return errors.WithStack(err)
}

func validatePeerId(id api.PeerId) error {
	if id == "" || strings.ContainsAny(string(id), ".*> \t\r\n") {
		return errors.WithStack(&nodeerrors.ErrInvalidArgument{
			Name:    "peer",
			Value:   string(id),
			Message: "peer ids must be non-empty and may not contain '.', '*', '>' or whitespace",
		})
	}
	return nil
}
