package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"
)

var (
	plainSchemes = []string{"tcp", "mqtt", "ws"}
	tlsSchemes   = []string{"ssl", "tls", "mqtts", "wss"}
)

// ClientConfig configures NewClient.
type ClientConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// KeepAlive in seconds, 60 when zero.
	KeepAlive uint16

	// SessionExpiry in seconds. Zero ends the session with the connection.
	SessionExpiry uint32

	// ConnectTimeout bounds each dial, 5s when zero.
	ConnectTimeout time.Duration

	// ReconnectBackoff is the pause between dials, 3s when zero.
	ReconnectBackoff time.Duration

	CleanStart bool

	// InsecureSkipVerify disables certificate checks on TLS schemes.
	InsecureSkipVerify bool
}

func (c *ClientConfig) withDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 60
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = 3 * time.Second
	}
}

// Validate checks that the broker URL is usable.
func (c *ClientConfig) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return errors.New("broker url must carry a scheme and host")
	}
	if !slices.Contains(plainSchemes, u.Scheme) && !slices.Contains(tlsSchemes, u.Scheme) {
		return fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	return nil
}

func (c *ClientConfig) secure() bool {
	u, err := url.Parse(c.BrokerURL)
	return err == nil && slices.Contains(tlsSchemes, u.Scheme)
}
