// Package mqttproducer adapts an MQTT broker subscription to the stagepipe
// producer contract. It is grounded on the teacher's pkg/mqttconverter
// MqttConsumer and MQTTClientConfig: same Paho client options, TLS/mTLS
// setup, and reconnect policy, generalized from the teacher's
// messagepipeline.Message output channel into stagepipe's producer.Driver.
package mqttproducer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/rs/zerolog"
)

// AckHandlerID is the acknowledger handler id every message this driver
// produces is stamped with. MQTT acknowledgement for QoS > 0 is handled at
// the protocol level by the Paho client itself, so the registered AckFunc
// (Ack, below) is a no-op; it exists so the consumer's ack-by-run bookkeeping
// has something registered for this handler id rather than warning about it.
const AckHandlerID message.AckHandlerID = "mqttproducer"

// Config holds connection, security, and topic-subscription settings for the
// Paho client, mirroring the teacher's MQTTClientConfig.
type Config struct {
	BrokerURL        string
	Topic            string
	QoS              byte
	ClientIDPrefix   string
	Username         string
	Password         string
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	ReconnectWaitMax time.Duration
	CACertFile       string
	ClientCertFile   string
	ClientKeyFile    string
	InsecureSkipVerify bool
}

func (c Config) withDefaults() Config {
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "stagepipe-"
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectWaitMax <= 0 {
		c.ReconnectWaitMax = 120 * time.Second
	}
	return c
}

// Args is what Driver.Init expects as its opaque args value.
type Args struct {
	Config Config
	Logger zerolog.Logger
}

// Driver implements producer.Driver over a single MQTT topic subscription:
// Init connects and subscribes in the background, and HandleDemand drains up
// to n buffered messages from the subscription handler's output channel.
type Driver struct {
	client mqtt.Client
	buf    chan mqtt.Message
	logger zerolog.Logger
}

// Init connects to the broker and subscribes to cfg.Topic, buffering
// messages as they arrive the way the teacher's MqttConsumer buffers onto
// its outputChan.
func (d *Driver) Init(args any) (any, error) {
	a, ok := args.(Args)
	if !ok {
		return nil, fmt.Errorf("mqttproducer: Init expects mqttproducer.Args, got %T", args)
	}
	cfg := a.Config.withDefaults()
	d.logger = a.Logger.With().Str("component", "mqttproducer.Driver").Str("topic", cfg.Topic).Logger()
	d.buf = make(chan mqtt.Message, 1000)

	opts, err := d.buildOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("mqttproducer: building client options: %w", err)
	}
	d.client = mqtt.NewClient(opts)

	d.logger.Info().Str("broker", cfg.BrokerURL).Msg("mqttproducer: connecting")
	if token := d.client.Connect(); token.WaitTimeout(cfg.ConnectTimeout) && token.Error() != nil {
		d.logger.Error().Err(token.Error()).Msg("mqttproducer: initial connect failed, Paho will retry in the background")
	}

	return d, nil
}

// HandleDemand drains up to n buffered MQTT messages, blocking for at least
// one so an idle producer does not busy-loop.
func (d *Driver) HandleDemand(ctx context.Context, n int, state any) ([]*message.Message, any, error) {
	var out []*message.Message
	select {
	case m := <-d.buf:
		out = append(out, toMessage(m))
	case <-ctx.Done():
		return nil, state, nil
	}
	for len(out) < n {
		select {
		case m := <-d.buf:
			out = append(out, toMessage(m))
		default:
			return out, state, nil
		}
	}
	return out, state, nil
}

// Stop disconnects the Paho client, allowing a 500ms grace period the way
// the teacher's MqttConsumer.Stop does.
func (d *Driver) Stop() {
	if d.client != nil && d.client.IsConnected() {
		d.client.Disconnect(500)
	}
}

func (d *Driver) buildOptions(cfg Config) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s%d", cfg.ClientIDPrefix, time.Now().UnixNano()%1000000))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.ReconnectWaitMax)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		d.logger.Info().Msg("mqttproducer: connected")
		token := client.Subscribe(cfg.Topic, cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
			select {
			case d.buf <- m:
			default:
				d.logger.Warn().Str("topic", m.Topic()).Msg("mqttproducer: buffer full, dropping message")
			}
		})
		go func() {
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				d.logger.Error().Err(token.Error()).Msg("mqttproducer: subscribe failed")
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		d.logger.Error().Err(err).Msg("mqttproducer: connection lost")
	})

	if strings.HasPrefix(strings.ToLower(cfg.BrokerURL), "tls://") {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA cert file %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("appending CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client cert/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func toMessage(m mqtt.Message) *message.Message {
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())
	return &message.Message{
		ID:           fmt.Sprintf("%d", m.MessageID()),
		Data:         payload,
		Attributes:   map[string]string{"mqtt_topic": m.Topic()},
		Publisher:    message.DefaultPublisher,
		PublishTime:  time.Now().UTC(),
		Acknowledger: message.Acknowledger{HandlerID: AckHandlerID},
	}
}

// Ack is the no-op AckFunc a topology registers under AckHandlerID, since
// QoS acknowledgement already happened inside the Paho client before the
// message reached this driver's buffer.
func Ack(successful, failed []*message.Message) {}
