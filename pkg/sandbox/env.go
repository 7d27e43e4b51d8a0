package sandbox

import (
	"regexp"
	"strings"
)

// Variables never handed to a worker, even with env passthrough granted.
var envDenyList = map[string]bool{
	"GROK_API_KEY":          true,
	"ANTHROPIC_API_KEY":     true,
	"OPENAI_API_KEY":        true,
	"AWS_ACCESS_KEY_ID":     true,
	"AWS_SECRET_ACCESS_KEY": true,
	"AWS_SESSION_TOKEN":     true,
	"GITHUB_TOKEN":          true,
	"GH_TOKEN":              true,
	"DATABASE_URL":          true,
	"REDIS_URL":             true,
	"SSH_AUTH_SOCK":         true,
	"NPM_TOKEN":             true,
}

var envDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)SECRET`),
	regexp.MustCompile(`(?i)PASSWORD`),
	regexp.MustCompile(`(?i)TOKEN`),
	regexp.MustCompile(`(?i)KEY$`),
	regexp.MustCompile(`(?i)CREDENTIALS`),
	regexp.MustCompile(`(?i)PRIVATE`),
}

// SanitizeEnv strips every variable matching the deny-list or a
// deny-pattern and passes the rest through unchanged. Input entries are
// "KEY=VALUE" as returned by os.Environ.
func SanitizeEnv(environ []string) []string {
	safe := make([]string, 0, len(environ))
	for _, entry := range environ {
		key, _, ok := strings.Cut(entry, "=")
		if !ok || deniedEnvKey(key) {
			continue
		}
		safe = append(safe, entry)
	}
	return safe
}

func deniedEnvKey(key string) bool {
	if envDenyList[key] {
		return true
	}
	for _, re := range envDenyPatterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// workerEnv builds the environment for a spawning worker: empty unless the
// plugin's permissions grant env passthrough, in which case the sanitized
// host environment is used.
func workerEnv(cfg Config, hostEnviron []string) []string {
	if cfg.Permissions == nil || !cfg.Permissions.Env {
		return []string{}
	}
	return SanitizeEnv(hostEnviron)
}
