package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobd/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (notifier token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", newCfg.Dispatcher.Enabled),
			logx.String("dispatcher.interval", strings.TrimSpace(newCfg.Dispatcher.Interval)),
			logx.Int("dispatcher.batch_size", newCfg.Dispatcher.BatchSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
		)
	}

	if oldCfg.Webhook != newCfg.Webhook {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Float64("webhook.rate_per_sec", newCfg.Webhook.RatePerSec),
			logx.String("webhook.timeout", strings.TrimSpace(newCfg.Webhook.Timeout)),
		)
	}

	// Notifier section may be nil (handler not registered). Never log the
	// token itself.
	oN, nN := oldCfg.Notifier, newCfg.Notifier
	if (oN == nil) != (nN == nil) ||
		(oN != nil && nN != nil && (oN.Token != nN.Token || oN.ChatID != nN.ChatID)) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.present", nN != nil),
			logx.Bool("notifier.token_set", nN != nil && strings.TrimSpace(nN.Token) != ""),
		)
	}

	if oldCfg.Templates != newCfg.Templates {
		changed = append(changed, "templates")
		attrs = append(attrs,
			logx.Bool("templates.path_set", strings.TrimSpace(newCfg.Templates.Path) != ""))
	}

	sort.Strings(changed)
	return changed, attrs
}
