package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/notifier"
)

const (
	DefaultSubjectPrefix = "subwatch.events"
	natsOpTimeout        = 5 * time.Second
)

func init() {
	notifier.RegisterSink("nats", func(config cfg.SinkConfiguration) (notifier.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config)
	})
}

// NatsSink publishes events to NATS JetStream on
// <subject_prefix>.<table>.<operation> subjects.
type NatsSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	retry  notifier.RetryPolicy
}

// NewNatsSink connects and ensures a stream covering the subject prefix.
func NewNatsSink(config cfg.SinkConfiguration) (*NatsSink, error) {
	prefix := config.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	nc, err := nats.Connect(config.NatsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsOpTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      sanitizeStreamName(prefix),
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream for %s: %w", prefix, err)
	}

	return &NatsSink{
		nc:     nc,
		js:     js,
		prefix: prefix,
		retry:  notifier.RetryPolicyFor(config),
	}, nil
}

// Deliver publishes the event. The event id doubles as the JetStream message
// id, so the server side deduplicates redeliveries within its window.
func (n *NatsSink) Deliver(ctx context.Context, evt *notifier.Event, body []byte) error {
	subject := fmt.Sprintf("%s.%s.%s", n.prefix, evt.Data.Table, strings.ToLower(evt.Data.Operation))

	msg := &nats.Msg{
		Subject: subject,
		Data:    body,
		Header: nats.Header{
			"key":         []string{evt.Key()},
			"Nats-Msg-Id": []string{evt.EventID},
		},
	}

	return n.retry.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, natsOpTimeout)
		defer cancel()

		if _, err := n.js.PublishMsg(opCtx, msg); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
		return nil
	})
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject prefix to a valid JetStream stream
// name. Stream names can't contain "." so we replace with "_".
func sanitizeStreamName(prefix string) string {
	return strings.ReplaceAll(prefix, ".", "_")
}
