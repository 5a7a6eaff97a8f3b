package runner

import (
	"os"
	"strings"
)

// defaultPassthroughEnv lists configuration variables forwarded into every
// sandbox when set on the host process.
var defaultPassthroughEnv = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"MISTRAL_API_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"HTTP_PROXY",
	"HTTPS_PROXY",
	"NO_PROXY",
}

// PassthroughEnv returns KEY=VALUE pairs for every named variable present in
// the host environment. extra names are merged with the default set; values
// never come from anywhere but the process environment.
func PassthroughEnv(extra []string) []string {
	seen := make(map[string]bool, len(defaultPassthroughEnv)+len(extra))
	var env []string
	for _, name := range append(append([]string{}, defaultPassthroughEnv...), extra...) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env
}
