package config

import (
	"reflect"

	logx "tokfresh/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. The config holds no secrets, but webhook-ish
// values are still only reported as "set".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.OAuth, newCfg.OAuth) {
		changed = append(changed, "oauth")
		attrs = append(attrs, logx.String("oauth.token_url", newCfg.OAuth.TokenURL))
	}
	if !reflect.DeepEqual(oldCfg.Cloudflare, newCfg.Cloudflare) {
		changed = append(changed, "cloudflare")
		attrs = append(attrs,
			logx.String("cloudflare.script_name", newCfg.Cloudflare.ScriptName),
			logx.String("cloudflare.namespace_title", newCfg.Cloudflare.NamespaceTitle),
		)
	}
	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		attrs = append(attrs, logx.String("worker.model", newCfg.Worker.Model))
	}
	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.start", newCfg.Schedule.Start),
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Int("server.rate_per_sec", newCfg.Server.RatePerSec),
		)
	}
	if oldCfg.HTTPTimeout != newCfg.HTTPTimeout {
		changed = append(changed, "http_timeout")
		attrs = append(attrs, logx.String("http_timeout", newCfg.HTTPTimeout))
	}
	return changed, attrs
}
