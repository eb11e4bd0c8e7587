package api

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

type AuthMode string

const (
	AuthPassword AuthMode = "password"
	AuthKey      AuthMode = "key"
)

const (
	DefaultSSHPort        = 22
	DefaultConnectTimeout = 30 * time.Second
	redacted              = "[REDACTED]"
)

// RemoteConnection describes how to reach a remote host. The secret fields are
// persisted with the task but never rendered by String or LogValue.
type RemoteConnection struct {
	Host       string   `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port       int      `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User       string   `json:"user" validate:"required"`
	Auth       AuthMode `json:"auth" validate:"required,oneof=password key"`
	Password   string   `json:"password,omitempty" validate:"required_if=Auth password"`
	PrivateKey string   `json:"private_key,omitempty" validate:"required_if=Auth key"`
	Passphrase string   `json:"passphrase,omitempty"`
	// TimeoutSeconds bounds the time to establish the session.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" validate:"omitempty,min=1"`
}

func (c *RemoteConnection) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c *RemoteConnection) ConnectTimeout() time.Duration {
	if c.TimeoutSeconds < 1 {
		return DefaultConnectTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *RemoteConnection) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s@%s (auth=%s, secret=%s)", c.User, c.Address(), c.Auth, redacted)
}

func (c *RemoteConnection) LogValue() slog.Value {
	if c == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("host", c.Host),
		slog.String("address", c.Address()),
		slog.String("user", c.User),
		slog.String("auth", string(c.Auth)),
		slog.String("secret", redacted),
	)
}

// GoString keeps %#v from printing secrets.
func (c *RemoteConnection) GoString() string {
	return c.String()
}
