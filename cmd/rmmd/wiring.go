package main

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/rmm-automation/internal/alerting"
	"github.com/t77yq/rmm-automation/internal/config"
)

// newLogger builds the process logger around level so it can be changed on
// config reload.
func newLogger(cfg config.LogConfig, level zap.AtomicLevel) (*zap.Logger, error) {
	l, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level.SetLevel(l)

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// closer is implemented by channels holding a connection.
type closer interface {
	Close()
}

// buildChannels creates the configured notification channels plus the log channel.
func buildChannels(cfg config.AlertingConfig, logger *zap.Logger) ([]alerting.NotificationChannel, []closer, error) {
	channels := []alerting.NotificationChannel{alerting.NewLogChannel(logger)}
	var closers []closer

	for _, e := range cfg.Email {
		ch, err := alerting.NewEmailChannel(alerting.EmailConfig{
			Name:     e.Name,
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			From:     e.From,
			To:       e.To,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("email channel %q: %w", e.Name, err)
		}
		channels = append(channels, ch)
	}

	for _, w := range cfg.Webhooks {
		ch, err := alerting.NewWebhookChannel(alerting.WebhookConfig{
			Name:          w.Name,
			URL:           w.URL,
			Headers:       w.Headers,
			Timeout:       w.Timeout,
			RatePerSecond: w.RatePerSecond,
			Burst:         w.Burst,
		}, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("webhook channel %q: %w", w.Name, err)
		}
		channels = append(channels, ch)
	}

	for _, s := range cfg.Shoutrrr {
		ch, err := alerting.NewShoutrrrChannel(s.Name, s.URLs...)
		if err != nil {
			return nil, nil, fmt.Errorf("shoutrrr channel %q: %w", s.Name, err)
		}
		channels = append(channels, ch)
	}

	for _, m := range cfg.MQTT {
		ch, err := alerting.NewMQTTChannel(alerting.MQTTConfig{
			Name:     m.Name,
			Broker:   m.Broker,
			ClientID: m.ClientID,
			Username: m.Username,
			Password: m.Password,
			Topic:    m.Topic,
			QoS:      byte(m.QoS),
			Retain:   m.Retain,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("mqtt channel %q: %w", m.Name, err)
		}
		channels = append(channels, ch)
		closers = append(closers, ch)
	}

	return channels, closers, nil
}

func dedupStrategy(cfg config.DedupConfig) alerting.DedupStrategy {
	if cfg.Strategy == config.DedupWindow {
		return alerting.NewWindowDedup(cfg.Window)
	}
	return alerting.NoDedup{}
}

// connectNATS connects with retry.
func connectNATS(cfg config.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
