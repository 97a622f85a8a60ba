// ABOUTME: NATS release announcer hook
// ABOUTME: Publishes announcements so downstream scanners refresh promptly

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds connection settings for the announcer.
type NATSConfig struct {
	// NATS server URL. Empty disables the hook.
	URL string

	// Subject announcements are published to.
	Subject string

	// Connection name for identification.
	Name string

	// Reconnect settings.
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns a configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "",
		Subject:       "hikma.sigdb.release",
		Name:          "sigforge",
		MaxReconnects: 3,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSHook publishes release announcements.
type NATSHook struct {
	conn    *nats.Conn
	subject string
}

// ConnectNATS establishes the connection and returns the hook. Returns
// nil without error when no URL is configured.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*NATSHook, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	return &NATSHook{conn: conn, subject: cfg.Subject}, nil
}

// Name implements Hook.
func (h *NATSHook) Name() string { return "nats" }

// Run implements Hook.
func (h *NATSHook) Run(ctx context.Context, ann Announcement) error {
	data, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("marshalling announcement: %w", err)
	}
	if err := h.conn.Publish(h.subject, data); err != nil {
		return fmt.Errorf("publishing announcement: %w", err)
	}
	return h.conn.Flush()
}

// Close drains and closes the connection.
func (h *NATSHook) Close() {
	if h != nil && h.conn != nil {
		h.conn.Close()
	}
}
