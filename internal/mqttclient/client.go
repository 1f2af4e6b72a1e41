// Package mqttclient wraps paho.mqtt.golang behind the small synchronous
// surface the rest of tedge-agent needs: Dial, Publish, Subscribe, and
// Drain. All session bookkeeping (reconnect, last-will, clean-session)
// lives in the paho client itself; this package only adapts its
// callback-based API to the channel-and-context idioms the actor runtime
// expects (internal/actor, spec.md §4.2).
package mqttclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/rand"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// DefaultQoS is used by callers that don't have a reason to pick another.
const DefaultQoS = byte(1)

// TLSOptions configures a client certificate session against a broker that
// requires mutual TLS (the cloud broker in nearly every deployment; the
// local broker only when mqtt.client.auth is enabled).
type TLSOptions struct {
	CAFile   string
	CertFile string
	KeyFile  string
	// ServerName overrides SNI/verification hostname; "" uses the broker host.
	ServerName string
}

// LastWill is published by the broker on ungraceful disconnect.
type LastWill struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Options configures a single broker session. ClientID must be stable
// across reconnects; the same identity is what lets clean-session=false
// preserve subscriptions (spec.md §4.2).
type Options struct {
	Broker       string // e.g. "tls://mqtt.example.com:8883" or "tcp://localhost:1883"
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	KeepAlive    time.Duration
	LastWill     *LastWill
	TLS          *TLSOptions

	// MaxReconnectInterval bounds the jittered exponential backoff between
	// reconnect attempts; 0 uses DefaultMaxReconnectInterval.
	MaxReconnectInterval time.Duration
}

// DefaultMaxReconnectInterval matches the ceiling used in the reference
// IoT-Hub transport, well under paho's 15-minute default.
const DefaultMaxReconnectInterval = 30 * time.Second

// Message is one inbound publish.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
}

// Client is a connected MQTT session plus its subscription feed.
type Client struct {
	opts   Options
	inner  mqtt.Client
	connUp chan struct{}
	lost   chan error
}

// Dial connects to the broker described by opts and blocks until the
// initial connection succeeds or ctx is done. The returned Client
// reconnects automatically for the rest of its life; callers observe
// connectivity changes via ConnUp/Lost rather than re-dialing.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	c := &Client{
		opts:   opts,
		connUp: make(chan struct{}, 1),
		lost:   make(chan error, 1),
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.Broker)
	o.SetClientID(opts.ClientID)
	o.SetCleanSession(opts.CleanSession)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		o.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		o.SetKeepAlive(opts.KeepAlive)
	}
	maxInterval := opts.MaxReconnectInterval
	if maxInterval <= 0 {
		maxInterval = DefaultMaxReconnectInterval
	}
	o.SetAutoReconnect(true)
	o.SetMaxReconnectInterval(maxInterval)
	o.SetConnectRetryInterval(jitter(maxInterval / 4))
	o.SetConnectRetry(true)

	if opts.TLS != nil {
		tlsCfg, err := buildTLSConfig(*opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("mqttclient: tls config: %w", err)
		}
		o.SetTLSConfig(tlsCfg)
	}

	if w := opts.LastWill; w != nil {
		o.SetWill(w.Topic, string(w.Payload), w.QoS, w.Retain)
		o.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retain)
	}

	o.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("client_id", opts.ClientID).Msg("mqtt session established")
		select {
		case c.connUp <- struct{}{}:
		default:
		}
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Str("client_id", opts.ClientID).Err(err).Msg("mqtt session lost, reconnecting")
		select {
		case c.lost <- err:
		default:
		}
	})

	c.inner = mqtt.NewClient(o)

	token := c.inner.Connect()
	if err := waitToken(ctx, token); err != nil {
		return nil, fmt.Errorf("mqttclient: connect %s: %w", opts.Broker, err)
	}
	return c, nil
}

// ConnUp signals each time the underlying session (re)establishes.
func (c *Client) ConnUp() <-chan struct{} { return c.connUp }

// Lost signals each time the underlying session drops.
func (c *Client) Lost() <-chan error { return c.lost }

// Publish sends payload on topic. It blocks the caller until the broker
// acknowledges the publish (or ctx ends); while disconnected, paho queues
// the publish internally up to its own resume buffer, matching the
// enqueue-then-backpressure contract of spec.md §4.2.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	token := c.inner.Publish(topic, qos, retain, payload)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("mqttclient: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers filter and returns a channel of inbound messages.
// The channel is closed when ctx is done; callers must keep draining it
// to avoid blocking paho's internal dispatch goroutine.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte) (<-chan Message, error) {
	out := make(chan Message, 64)
	handler := func(_ mqtt.Client, m mqtt.Message) {
		msg := Message{
			Topic:     m.Topic(),
			Payload:   append([]byte(nil), m.Payload()...),
			QoS:       m.Qos(),
			Retained:  m.Retained(),
			Duplicate: m.Duplicate(),
		}
		select {
		case out <- msg:
		case <-ctx.Done():
		}
	}
	token := c.inner.Subscribe(filter, qos, handler)
	if err := waitToken(ctx, token); err != nil {
		return nil, fmt.Errorf("mqttclient: subscribe %s: %w", filter, err)
	}
	go func() {
		<-ctx.Done()
		c.inner.Unsubscribe(filter)
		close(out)
	}()
	return out, nil
}

// Drain blocks briefly to let paho flush any in-flight QoS>0 publishes
// before Disconnect tears the session down, so a shutdown doesn't silently
// drop a terminal operation status (original_source/ thin-edge mqtt_channel
// drain behavior; see C11's shutdown ordering).
func (c *Client) Drain(ctx context.Context) {
	quiesce := 250 * time.Millisecond
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < quiesce {
			quiesce = remaining
		}
	}
	if quiesce < 0 {
		quiesce = 0
	}
	c.inner.Disconnect(uint(quiesce.Milliseconds()))
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: opts.ServerName}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}
	if opts.CertFile != "" && opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// jitter returns a duration uniformly distributed in [d/2, d), so that
// many devices reconnecting after the same outage don't all retry in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d-half)))
}
