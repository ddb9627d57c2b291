package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamName is the JetStream stream that retains credit notifications.
const StreamName = "CREDITS"

type jetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSPublisher publishes notifications to JetStream on
// "<prefix>.<type>.<userID>", e.g. "credits.credits.deposited.usr_1".
type NATSPublisher struct {
	nc     *nats.Conn
	js     jetStreamPublisher
	prefix string
	logger *slog.Logger
}

// ConnectNATS dials url, ensures the notification stream exists, and
// returns a publisher ready to use as a Sink.
func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("creditledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("nats disconnected", "error", err)
			} else {
				logger.Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(StreamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("stream info: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:        StreamName,
			Subjects:    []string{prefix + ".>"},
			Retention:   nats.LimitsPolicy,
			MaxAge:      7 * 24 * time.Hour,
			Storage:     nats.FileStorage,
			Replicas:    1,
			Description: "Credit ledger balance notifications",
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
		}
		logger.Info("created jetstream stream", "stream", StreamName, "subjects", prefix+".>")
	}

	logger.Info("connected to nats", "url", url)
	return &NATSPublisher{nc: nc, js: js, prefix: prefix, logger: logger}, nil
}

// Name implements Sink.
func (p *NATSPublisher) Name() string { return "nats" }

// Deliver implements Sink.
func (p *NATSPublisher) Deliver(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := p.Subject(n)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(n.EntryID+":"+n.Type)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("published notification", "subject", subject, "size", len(data))
	return nil
}

// Subject returns the subject a notification is published on.
func (p *NATSPublisher) Subject(n Notification) string {
	return p.prefix + "." + n.Type + "." + sanitizeToken(n.UserID)
}

// Connected reports whether the underlying connection is up.
func (p *NATSPublisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// Subject tokens may not contain wildcards, separators or whitespace.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
