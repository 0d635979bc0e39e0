// Package export publishes route events to Kafka: one JSON record per
// best-path change, keyed by prefix so consumers see per-prefix ordering.
package export

import (
	"context"
	"crypto/tls"
	"encoding/json"

	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rde"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

type Exporter struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func New(brokers []string, topic, clientID string, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Exporter, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Exporter{client: client, topic: topic, logger: logger}, nil
}

// Publish produces one record per event. Delivery is asynchronous; a
// failed produce is logged and dropped, the speaker never blocks on the
// broker.
func (e *Exporter) Publish(ctx context.Context, events []rde.RouteEvent) {
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			e.logger.Error("marshal route event", zap.Error(err))
			continue
		}
		rec := &kgo.Record{
			Topic: e.topic,
			Key:   []byte(ev.Prefix),
			Value: value,
		}
		e.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
			if err != nil {
				e.logger.Error("produce route event failed", zap.Error(err))
			}
		})
		metrics.ExportEventsTotal.WithLabelValues(ev.Action).Inc()
	}
}

// Close flushes pending produces and releases the client.
func (e *Exporter) Close(ctx context.Context) {
	if err := e.client.Flush(ctx); err != nil {
		e.logger.Error("flush on close failed", zap.Error(err))
	}
	e.client.Close()
}
