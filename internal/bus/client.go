// Package bus connects the gateway to NATS and mirrors the in-process event
// bus onto subjects under a configurable prefix.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/nats-io/nats.go"
)

const drainTimeout = 5 * time.Second

// Client is the gateway's NATS connection. Reconnects are unlimited; while
// disconnected, publishes are buffered by the NATS client and Healthy
// reports false.
type Client struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log = log.With(slog.String("component", "bus"))

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, connectOptions(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	log.Info("connected to NATS", slog.String("url", conn.ConnectedUrl()), slog.String("prefix", cfg.SubjectPrefix))

	return &Client{conn: conn, prefix: cfg.SubjectPrefix, log: log}, nil
}

func connectOptions(cfg config.BusConfig, log *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name("loqa-gateway"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{slog.String("error", err.Error())}
			if sub != nil {
				attrs = append(attrs, slog.String("subject", sub.Subject))
			}
			log.Warn("NATS async error", attrs...)
		}),
	}

	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "" || cfg.Password != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSInsecure {
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	return opts
}

// Prefix is the subject prefix every gateway subject starts with.
func (c *Client) Prefix() string { return c.prefix }

// Subscribe registers handler on subject.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (c *Client) PublishMsg(msg *nats.Msg) error {
	return c.conn.PublishMsg(msg)
}

// Close drains pending messages and closes the connection. A nil Client is
// a no-op.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.log.Warn("NATS drain failed", slog.String("error", err.Error()))
	}
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}
