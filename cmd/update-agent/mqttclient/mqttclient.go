// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//          http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mqttclient is the agent's communication channel to the update
// service: an MQTT v5 session with user properties and correlation data
// on every protocol message.
package mqttclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"
	"github.com/united-manufacturing-hub/mqtt-update-agent/cmd/update-agent/statestore"
	"go.uber.org/zap"
)

// ConnectionState of the channel.
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Publish and Subscribe while the broker
// session is down.
var ErrNotConnected = errors.New("mqtt client is not connected")

// PublishFailureClass buckets a failed publish for the operations'
// cancel/retry decision.
type PublishFailureClass int

const (
	PublishOK PublishFailureClass = iota
	// PublishFailureFatal covers malformed requests that a retry cannot
	// fix (invalid topic, oversize packet, quota, duplicate packet id).
	PublishFailureFatal
	// PublishFailureNoConnection means the session is down.
	PublishFailureNoConnection
	// PublishFailureTransient is everything else.
	PublishFailureTransient
)

// PUBACK reason codes (MQTT v5 spec 3.4.2.1).
const (
	PubackSuccess               byte = 0x00
	PubackNoMatchingSubscribers byte = 0x10
	PubackUnspecifiedError      byte = 0x80
	PubackImplSpecificError     byte = 0x83
	PubackNotAuthorized         byte = 0x87
	PubackTopicNameInvalid      byte = 0x90
	PubackPacketIDInUse         byte = 0x91
	PubackQuotaExceeded         byte = 0x97
	PubackPayloadFormatInvalid  byte = 0x99
)

// Config of the broker session.
type Config struct {
	Broker             string
	ClientID           string
	Username           string
	Password           string
	EnableSSL          bool
	CACertPath         string
	ClientCertPath     string
	ClientKeyPath      string
	InsecureSkipVerify bool
}

// Channel wraps the paho client with connection-state bookkeeping and
// the publish/subscribe surface the operations need.
type Channel struct {
	mu      sync.Mutex
	client  *paho.Client
	state   ConnectionState
	cfg     Config
	store   *statestore.Store
	handler func(*paho.Publish)

	connecting bool
}

func New(store *statestore.Store, cfg Config) *Channel {
	return &Channel{
		cfg:   cfg,
		store: store,
		state: StateUnknown,
	}
}

// RegisterMessageHandler sets the callback invoked for every inbound
// publish. Must be called before Connect.
func (c *Channel) RegisterMessageHandler(handler func(*paho.Publish)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s ConnectionState) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		zap.S().Infof("mqtt channel state %s -> %s", old, s)
	}
}

// Connect establishes the broker session, retrying until successful or
// the context is cancelled.
func (c *Channel) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	config := paho.ClientConfig{
		ClientID: c.cfg.ClientID,
		OnClientError: func(err error) {
			zap.S().Errorf("mqtt client error: %s", err)
			c.setState(StateDisconnected)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			if d.Properties != nil {
				zap.S().Errorf("server requested disconnect: %s", d.Properties.ReasonString)
			} else {
				zap.S().Errorf("server requested disconnect; reason code: %d", d.ReasonCode)
			}
			c.setState(StateDisconnected)
		},
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		config.Router = paho.NewSingleHandlerRouter(handler)
	}

	cli, err := c.establishBrokerConnection(ctx, config)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.client = cli
	c.state = StateConnected
	c.mu.Unlock()

	c.store.SetMQTTBrokerHostname(c.cfg.Broker)
	zap.S().Infof("connected to mqtt broker %s", c.cfg.Broker)
	return nil
}

// establishBrokerConnection retries until successful or the context is
// cancelled.
func (c *Channel) establishBrokerConnection(ctx context.Context, cfg paho.ClientConfig) (cli *paho.Client, err error) {
	for {
		connCtx, cancelConnCtx := context.WithTimeout(ctx, 1*time.Minute)

		if c.cfg.EnableSSL {
			var tlsCfg *tls.Config
			tlsCfg, err = c.newTLSConfig()
			if err == nil {
				cfg.Conn, err = attemptTLSConnection(connCtx, c.cfg.Broker, tlsCfg)
			}
		} else {
			cfg.Conn, err = attemptTCPConnection(connCtx, c.cfg.Broker)
		}

		if err == nil {
			cli = paho.NewClient(cfg)

			cp := paho.Connect{
				ClientID:   cfg.ClientID,
				KeepAlive:  30,
				CleanStart: true,
			}
			if len(c.cfg.Username) > 0 {
				cp.Username = c.cfg.Username
				cp.UsernameFlag = true
			}
			if len(c.cfg.Password) > 0 {
				cp.Password = []byte(c.cfg.Password)
				cp.PasswordFlag = true
			}

			_, err = cli.Connect(connCtx, &cp) // checks the reason code
			if err == nil {
				cancelConnCtx()
				return cli, nil
			}
		}
		cancelConnCtx()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		zap.S().Warnf("failed to connect to broker %s: %s, retrying in 10s", c.cfg.Broker, err)
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Channel) newTLSConfig() (*tls.Config, error) {
	certpool := x509.NewCertPool()
	pemCerts, err := os.ReadFile(c.cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("error reading CA certificate: %w", err)
	}
	if !certpool.AppendCertsFromPEM(pemCerts) {
		return nil, fmt.Errorf("failed to parse root certificate from %s", c.cfg.CACertPath)
	}

	cert, err := tls.LoadX509KeyPair(c.cfg.ClientCertPath, c.cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("error reading client certificate: %w", err)
	}

	/* #nosec G402 -- skip-verify is an explicit opt-in for test brokers */
	return &tls.Config{
		RootCAs:            certpool,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		Certificates:       []tls.Certificate{cert},
	}, nil
}

func attemptTCPConnection(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return packets.NewThreadSafeConn(conn), nil
}

func attemptTLSConnection(ctx context.Context, address string, tlsConfig *tls.Config) (net.Conn, error) {
	d := tls.Dialer{
		Config: tlsConfig,
	}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return packets.NewThreadSafeConn(conn), nil
}

// DoWork drives connection management: when the session has dropped it
// kicks off a reconnect in the background. Called from the agent tick
// loop.
func (c *Channel) DoWork(ctx context.Context) {
	c.mu.Lock()
	needsReconnect := c.state == StateDisconnected && !c.connecting
	if needsReconnect {
		c.connecting = true
	}
	c.mu.Unlock()

	if !needsReconnect {
		return
	}

	go func() {
		defer func() {
			c.mu.Lock()
			c.connecting = false
			c.mu.Unlock()
		}()
		if err := c.Connect(ctx); err != nil {
			zap.S().Errorf("reconnect failed: %s", err)
		}
	}()
}

// Publish sends a QoS 1 message and waits for the PUBACK. The returned
// reason code is only meaningful when a PUBACK was received.
func (c *Channel) Publish(
	ctx context.Context,
	topic string,
	payload []byte,
	qos byte,
	retain bool,
	props *paho.PublishProperties) (reasonCode byte, err error) {

	c.mu.Lock()
	cli := c.client
	connected := c.state == StateConnected
	c.mu.Unlock()

	if cli == nil || !connected {
		return 0, ErrNotConnected
	}

	resp, err := cli.Publish(ctx, &paho.Publish{
		Topic:      topic,
		QoS:        qos,
		Retain:     retain,
		Payload:    payload,
		Properties: props,
	})
	if resp != nil {
		reasonCode = resp.ReasonCode
	}
	return reasonCode, err
}

// Subscribe subscribes to topic at the given QoS and records success in
// the state store.
func (c *Channel) Subscribe(ctx context.Context, topic string, qos byte) error {
	c.mu.Lock()
	cli := c.client
	connected := c.state == StateConnected
	c.mu.Unlock()

	if cli == nil || !connected {
		return ErrNotConnected
	}

	c.setState(StateSubscribing)
	// Note: the SubscribeOptions map will become a slice in the next
	// release of the eclipse/paho.golang library (currently 0.11)
	_, err := cli.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: map[string]paho.SubscribeOptions{
			topic: {
				QoS: qos,
			},
		},
	})
	c.setState(StateConnected)
	if err != nil {
		return fmt.Errorf("error subscribing to topic %s: %w", topic, err)
	}

	zap.S().Infof("subscribed to topic %s", topic)
	return c.store.SetTopicSubscribedStatus(topic, true)
}

// IsSubscribed reports whether a subscription for topic was established
// during this session.
func (c *Channel) IsSubscribed(topic string) bool {
	return c.store.GetTopicSubscribedStatus(topic)
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	cli := c.client
	c.client = nil
	c.mu.Unlock()

	c.setState(StateDisconnected)
	if cli == nil {
		return nil
	}
	zap.S().Infof("shutting down mqtt client")
	return cli.Disconnect(&paho.Disconnect{ReasonCode: packets.DisconnectNormalDisconnection})
}

// ClassifyPublishFailure maps a Publish outcome to the cancel/retry
// buckets. A fatal class means the request itself is broken and must be
// cancelled; no-connection failures back off on the client-transient
// policy; everything else retries on the default policy.
func ClassifyPublishFailure(reasonCode byte, err error) PublishFailureClass {
	if errors.Is(err, ErrNotConnected) {
		return PublishFailureNoConnection
	}
	switch reasonCode {
	case PubackTopicNameInvalid, PubackPacketIDInUse, PubackQuotaExceeded, PubackPayloadFormatInvalid:
		return PublishFailureFatal
	case PubackNoMatchingSubscribers, PubackUnspecifiedError, PubackImplSpecificError, PubackNotAuthorized:
		// The service side is not (yet) listening or rejected the
		// request for a reason a later attempt may not hit again.
		return PublishFailureTransient
	}
	if err != nil {
		return PublishFailureTransient
	}
	return PublishOK
}
