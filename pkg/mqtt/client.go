package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/autopeer-io/modempeer/pkg/log"
)

var errNotStarted = errors.New("mqtt client not started")

type route struct {
	qos     byte
	handler MessageHandler
}

// routes maps subscribed filters to their handlers.
type routes struct {
	mu sync.RWMutex
	m  map[string]route
}

func (r *routes) add(filter string, rt route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[string]route)
	}
	r.m[filter] = rt
}

func (r *routes) subscriptions() []paho.SubscribeOptions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]paho.SubscribeOptions, 0, len(r.m))
	for filter, rt := range r.m {
		subs = append(subs, paho.SubscribeOptions{Topic: filter, QoS: rt.qos})
	}
	return subs
}

// match returns the handlers whose filter matches topic.
func (r *routes) match(topic string) []MessageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var hs []MessageHandler
	for filter, rt := range r.m {
		if topicsMatch(topicFilter(filter), topic) {
			hs = append(hs, rt.handler)
		}
	}
	return hs
}

type pahoClient struct {
	cfg    *ClientConfig
	cm     *autopaho.ConnectionManager
	up     atomic.Bool
	routes routes
}

// NewClient validates cfg and returns an unstarted client.
func NewClient(cfg *ClientConfig) (Client, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config is required")
	}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}
	return &pahoClient{cfg: cfg}, nil
}

func (c *pahoClient) Start(ctx context.Context) error {
	broker, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return err
	}

	cc := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{broker},
		KeepAlive:                     c.cfg.KeepAlive,
		CleanStartOnInitialConnection: c.cfg.CleanStart,
		SessionExpiryInterval:         c.cfg.SessionExpiry,
		ReconnectBackoff:              autopaho.NewConstantBackoff(c.cfg.ReconnectBackoff),
		ConnectTimeout:                c.cfg.ConnectTimeout,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		OnConnectionUp:                c.onConnectionUp,
		OnConnectError: func(err error) {
			c.up.Store(false)
			log.Warn("MQTT connect failed, retrying", "broker", c.cfg.BrokerURL, "error", err.Error())
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnClientError: func(err error) {
				c.up.Store(false)
				log.Error(err, "MQTT client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.up.Store(false)
				log.Warn("MQTT broker closed the session", "reasonCode", d.ReasonCode)
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){c.deliver},
		},
	}
	if c.cfg.secure() {
		cc.TlsCfg = &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify}
	}

	log.Info("Starting MQTT client", "broker", c.cfg.BrokerURL, "clientID", c.cfg.ClientID)
	cm, err := autopaho.NewConnection(ctx, cc)
	if err != nil {
		return err
	}
	c.cm = cm
	return nil
}

func (c *pahoClient) Disconnect(ctx context.Context) {
	if c.cm == nil {
		return
	}
	_ = c.cm.Disconnect(ctx)
	c.up.Store(false)
}

func (c *pahoClient) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	if c.cm == nil {
		return errNotStarted
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{Topic: topic, QoS: byte(qos), Retain: retain, Payload: payload})
	return err
}

func (c *pahoClient) Subscribe(ctx context.Context, filter string, qos int, handler MessageHandler) error {
	if c.cm == nil {
		return errNotStarted
	}
	c.routes.add(filter, route{qos: byte(qos), handler: handler})

	// Offline subscriptions are sent by onConnectionUp.
	if !c.up.Load() {
		return nil
	}
	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: byte(qos)}},
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	log.Debug("Subscribed", "filter", filter)
	return nil
}

func (c *pahoClient) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return errNotStarted
	}
	return c.cm.AwaitConnection(ctx)
}

func (c *pahoClient) IsConnected() bool {
	return c.up.Load()
}

func (c *pahoClient) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.up.Store(true)
	log.Info("MQTT connection up", "broker", c.cfg.BrokerURL)

	subs := c.routes.subscriptions()
	if len(subs) == 0 {
		return
	}
	if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{Subscriptions: subs}); err != nil {
		log.Error(err, "Failed to restore subscriptions", "count", len(subs))
	}
}

func (c *pahoClient) deliver(p paho.PublishReceived) (bool, error) {
	hs := c.routes.match(p.Packet.Topic)
	if len(hs) == 0 {
		log.Debug("Dropping publish on unsubscribed topic", "topic", p.Packet.Topic)
		return true, nil
	}
	for _, h := range hs {
		go h(context.Background(), p.Packet.Topic, p.Packet.Payload)
	}
	return true, nil
}

// topicsMatch reports whether topic matches filter, honouring + and #.
func topicsMatch(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fs, ts := strings.Split(filter, "/"), strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) || (f != "+" && f != ts[i]) {
			return false
		}
	}
	return len(fs) == len(ts)
}

// topicFilter strips the $share/<group>/ prefix of a shared subscription.
func topicFilter(filter string) string {
	if rest, ok := strings.CutPrefix(filter, "$share/"); ok {
		if _, f, ok := strings.Cut(rest, "/"); ok {
			return f
		}
	}
	return filter
}
