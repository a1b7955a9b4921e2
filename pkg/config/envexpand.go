package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in queue-file content using Go
// templates with {{.VAR_NAME}} syntax. The $ character is left untouched so
// shell snippets and regex patterns in ticket descriptions survive loading.
//
// Missing variables expand to empty string; validation catches required
// fields that end up empty. Malformed templates pass the original content
// through so the YAML/JSON parser can produce a clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("queue").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := strings.IndexByte(env, '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
