package app

import (
	"time"

	"jobd/internal/action"
	"jobd/internal/config"
	"jobd/internal/dispatch"
	"jobd/internal/engine"
)

// The mappers translate file-level config (duration strings, omitted fields)
// into runtime configs. They are also the reload validators: a config that
// fails to map is rejected before any component sees it.

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	defTimeout, err := config.ParseDurationField("engine.default_timeout", cfg.Engine.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	grace, err := config.ParseDurationField("engine.cancel_grace", cfg.Engine.CancelGrace)
	if err != nil {
		return engine.Config{}, err
	}
	coalesce := true
	if cfg.Engine.Coalesce != nil {
		coalesce = *cfg.Engine.Coalesce
	}
	return engine.Config{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		DefaultTimeout: defTimeout,
		CancelGrace:    grace,
		Coalesce:       coalesce,
		RetryJitter:    cfg.Engine.RetryJitter,
		HistorySize:    cfg.Engine.HistorySize,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	if cfg == nil {
		return dispatch.Config{}, nil
	}
	interval, err := config.ParseDurationOrDefault("dispatcher.interval", cfg.Dispatcher.Interval, time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Interval:  interval,
		BatchSize: cfg.Dispatcher.BatchSize,
	}, nil
}

func mapWebhookConfig(cfg *config.Config) (action.WebhookConfig, error) {
	if cfg == nil {
		return action.WebhookConfig{}, nil
	}
	timeout, err := config.ParseDurationField("webhook.timeout", cfg.Webhook.Timeout)
	if err != nil {
		return action.WebhookConfig{}, err
	}
	return action.WebhookConfig{
		RatePerSec: cfg.Webhook.RatePerSec,
		Timeout:    timeout,
		UserAgent:  cfg.Webhook.UserAgent,
	}, nil
}
