package llmcli

import (
	"github.com/tabrelay/broker/permission"
	"github.com/tabrelay/broker/session"
)

// Factory returns a session.ControllerFactory that spawns real
// LLM-CLI subprocesses, pointed at the translation proxy's loopback
// address, with permission requests routed through the per-session
// permission manager the session manager hands it.
func Factory(cliPath, proxyBaseURL string) session.ControllerFactory {
	return func(tabID string, opts session.ControllerOptions, perm *permission.Manager, onInit func(string)) (session.SubprocessController, error) {
		proc := New(tabID, Options{
			CliPath:              cliPath,
			Cwd:                  opts.Workdir,
			SystemPrompt:         opts.SystemPrompt,
			PermissionMode:       opts.PermissionMode,
			Model:                opts.Model,
			FallbackModel:        opts.FallbackModel,
			Resume:               opts.Resume,
			ResumeAtMessageUUID:  opts.ResumeAtMessageUUID,
			ContinueConversation: opts.ContinueConversation,
			ProxyBaseURL:         proxyBaseURL,
			RouteToken:           opts.RouteToken,
		}, perm, onInit)
		return proc, nil
	}
}
