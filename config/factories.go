package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/qvcloud/relay"
	"github.com/qvcloud/relay/broker"
	"github.com/qvcloud/relay/client"
	"github.com/qvcloud/relay/middleware"
	"github.com/qvcloud/relay/sinks/kafka"
	"github.com/qvcloud/relay/sinks/mqtt"
	natssink "github.com/qvcloud/relay/sinks/nats"
	"github.com/qvcloud/relay/sinks/rabbitmq"
	"github.com/qvcloud/relay/sinks/redis"
	"github.com/qvcloud/relay/sinks/rocketmq"
	"github.com/qvcloud/relay/transports/inproc"
	natstransport "github.com/qvcloud/relay/transports/nats"
	"github.com/qvcloud/relay/transports/websocket"
	"github.com/qvcloud/relay/worker"
	"go.opentelemetry.io/otel/trace"
)

// NewTransport builds the transport named by Transport.Kind.
func NewTransport(cfg Config, logger *slog.Logger) (relay.Transport, error) {
	switch cfg.Transport.Kind {
	case "websocket", "":
		return websocket.New(
			relay.WithLogger(logger),
			websocket.WithPath(cfg.Transport.Path),
		), nil
	case "nats":
		return natstransport.New(
			relay.Addrs(cfg.Transport.NatsURL),
			relay.WithLogger(logger),
			natstransport.WithSubjectPrefix(cfg.Transport.SubjectPrefix),
		), nil
	case "inproc":
		return inproc.New(relay.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("config: unknown transport %q", cfg.Transport.Kind)
	}
}

// NewSinks builds every configured sink, each wrapped in a tracing span. A nil
// tracer uses the global provider.
func NewSinks(cfg Config, logger *slog.Logger, tracer trace.Tracer) ([]relay.Sink, error) {
	var sinks []relay.Sink
	for _, name := range cfg.Sinks {
		s, err := newSink(cfg, strings.TrimSpace(name), logger)
		if err != nil {
			for _, built := range sinks {
				built.Close()
			}
			return nil, err
		}

		var mw []middleware.Option
		if tracer != nil {
			mw = append(mw, middleware.WithTracer(tracer))
		}
		sinks = append(sinks, middleware.OtelSink(s, mw...))
	}
	return sinks, nil
}

func newSink(cfg Config, name string, logger *slog.Logger) (relay.Sink, error) {
	log := relay.WithLogger(logger)

	switch name {
	case "kafka":
		return kafka.NewSink(
			log,
			relay.Addrs(cfg.Kafka.Brokers...),
			kafka.WithTopicPrefix(cfg.Kafka.TopicPrefix),
		), nil
	case "nats":
		return natssink.NewSink(
			log,
			relay.Addrs(cfg.NATS.URL),
			natssink.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
		), nil
	case "rabbitmq":
		return rabbitmq.NewSink(
			log,
			relay.Addrs(cfg.RabbitMQ.URL),
			rabbitmq.WithExchange(cfg.RabbitMQ.Exchange),
			rabbitmq.WithPersistent(cfg.RabbitMQ.Persistent),
		), nil
	case "rocketmq":
		return rocketmq.NewSink(
			log,
			relay.Addrs(cfg.RocketMQ.NameServers...),
			rocketmq.WithTopic(cfg.RocketMQ.Topic),
			rocketmq.WithGroupName(cfg.RocketMQ.Group),
		), nil
	case "redis":
		opts := []relay.Option{
			log,
			relay.Addrs(cfg.Redis.Addr),
			redis.WithDB(cfg.Redis.DB),
		}
		if cfg.Redis.Password != "" {
			opts = append(opts, redis.WithPassword(cfg.Redis.Password))
		}
		if cfg.Redis.Stream {
			opts = append(opts, redis.WithStream(cfg.Redis.MaxLen))
		}
		return redis.NewSink(opts...), nil
	case "mqtt":
		opts := []relay.Option{
			log,
			relay.Addrs(cfg.MQTT.URL),
			mqtt.WithTopicPrefix(cfg.MQTT.TopicPrefix),
			mqtt.WithQoS(byte(cfg.MQTT.QoS)),
			mqtt.WithRetain(cfg.MQTT.Retain),
		}
		if cfg.MQTT.Username != "" {
			opts = append(opts, mqtt.WithCredentials(cfg.MQTT.Username, cfg.MQTT.Password))
		}
		return mqtt.NewSink(opts...), nil
	default:
		return nil, fmt.Errorf("config: unknown sink %q", name)
	}
}

// BrokerOptions maps the broker section onto broker options. Sinks are not
// included; pass the result of NewSinks with broker.Sinks.
func (c Config) BrokerOptions(logger *slog.Logger) []broker.Option {
	return []broker.Option{
		broker.ProducerAddr(c.Broker.ProducerAddr),
		broker.ConsumerAddr(c.Broker.ConsumerAddr),
		broker.HeartbeatInterval(c.Broker.HeartbeatInterval),
		broker.EvictLiveness(c.Broker.EvictLiveness),
		broker.MirrorQueue(c.Broker.MirrorQueue),
		broker.WithLogger(logger),
	}
}

func (c Config) WorkerOptions(logger *slog.Logger) []worker.Option {
	opts := []worker.Option{
		worker.Addr(c.Worker.Addr),
		worker.HeartbeatInterval(c.Worker.HeartbeatInterval),
		worker.Liveness(c.Worker.Liveness),
		worker.MaxReconnects(c.Worker.MaxReconnects),
		worker.Backoff(c.Worker.BackoffMin, c.Worker.BackoffMax),
		worker.WithLogger(logger),
	}
	if c.Worker.Legacy {
		opts = append(opts, worker.Legacy())
	}
	return opts
}

func (c Config) ClientOptions(logger *slog.Logger) []client.Option {
	return []client.Option{
		client.Addr(c.Client.Addr),
		client.Timeout(c.Client.Timeout),
		client.RegisterTimeout(c.Client.RegisterTimeout),
		client.Retries(c.Client.Retries),
		client.WithLogger(logger),
	}
}
