package cfg

import (
	"flag"
	"strings"
)

// LegacyEnv maps flag names to the environment variables earlier deployments
// used. They apply only when neither the command line nor the prefixed
// variable set the flag.
var LegacyEnv = map[string]string{
	"dashboard-url":   "GRAFANA_DASHBOARD_URL",
	"grafana-api-key": "GRAFANA_API_KEY",
	"slack-token":     "SLACK_API_TOKEN",
	"slack-channel":   "SLACK_CHANNEL_ID",
	"slack-thread-ts": "SLACK_THREAD_TS",
	"llm-api-key":     "VISION_LLM_KEY",
	"llm-base-url":    "VISION_LLM_BASE_URL",
}

// EnvName returns the prefixed environment variable for a flag, e.g.
// "grafana-api-key" -> "PANELSCOPE_GRAFANA_API_KEY".
func EnvName(prefix, flagName string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// FillFromLegacyEnv sets flags from legacy variables. explicit holds the flags
// set on the command line, captured with Explicit before any env fill.
// Returns the flags it set.
func FillFromLegacyEnv(fs *flag.FlagSet, prefix string, explicit map[string]bool, lookup func(string) (string, bool), logf func(format string, args ...any)) []string {
	var set []string
	for name, env := range LegacyEnv {
		if fs.Lookup(name) == nil || explicit[name] {
			continue
		}
		if v, ok := lookup(EnvName(prefix, name)); ok && v != "" {
			continue
		}
		v, ok := lookup(env)
		if !ok || v == "" {
			continue
		}
		if err := fs.Set(name, v); err != nil {
			if logf != nil {
				logf("ignoring %s: %v", env, err)
			}
			continue
		}
		set = append(set, name)
	}
	return set
}

// Explicit returns the names of flags set on the command line.
func Explicit(fs *flag.FlagSet) map[string]bool {
	out := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { out[f.Name] = true })
	return out
}
