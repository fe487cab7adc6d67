package tools

import "time"

// BuiltinConfig configures the built-in tools.
type BuiltinConfig struct {
	WorkspaceRoot    string
	NotifyWebhookURL string
	NotifyTimeout    time.Duration
}

// RegisterBuiltins registers the built-in tools on r.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	var notifier Notifier = LogNotifier{}
	if cfg.NotifyWebhookURL != "" {
		timeout := cfg.NotifyTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		notifier = NewWebhookNotifier(cfg.NotifyWebhookURL, timeout)
	}
	for _, t := range []Tool{
		&ApplyPatchTool{Root: cfg.WorkspaceRoot},
		&ReadFileTool{Root: cfg.WorkspaceRoot},
		&ListFilesTool{Root: cfg.WorkspaceRoot},
		&NotifyTool{Notifier: notifier},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
