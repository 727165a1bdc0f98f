package app

import (
	"tokfresh/internal/config"
	"tokfresh/internal/oauth"
	"tokfresh/internal/provision"
	"tokfresh/internal/workerscript"
	logx "tokfresh/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func oauthConfig(cfg *config.Config) oauth.Config {
	o := cfg.OAuth
	return oauth.Config{
		ClientID:     o.ClientID,
		AuthorizeURL: o.AuthorizeURL,
		TokenURL:     o.TokenURL,
		RedirectURI:  o.RedirectURI,
		Scopes:       append([]string(nil), o.Scopes...),
	}
}

// workerOptions bakes the same client and ping constants the local
// keep-alive runner uses, so both behave alike.
func workerOptions(cfg *config.Config) workerscript.Options {
	w := cfg.Worker
	return workerscript.Options{
		ClientID:    cfg.OAuth.ClientID,
		TokenURL:    cfg.OAuth.TokenURL,
		MessagesURL: w.MessagesURL,
		Model:       w.Model,
		MaxTokens:   w.MaxTokens,
		APIVersion:  w.APIVersion,
		BetaFlags:   w.BetaFlags,
		UserAgent:   w.UserAgent,
		KVBinding:   w.KVBinding,
	}
}

func provisionOptions(cfg *config.Config) provision.Options {
	cf := cfg.Cloudflare
	return provision.Options{
		APIBase:           cf.APIBase,
		ScriptName:        cf.ScriptName,
		NamespaceTitle:    cf.NamespaceTitle,
		CompatibilityDate: cf.CompatibilityDate,
		KVBinding:         cfg.Worker.KVBinding,
	}
}
