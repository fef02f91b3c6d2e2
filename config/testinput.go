package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	SectionReplacements = "Replacements"
	SectionEnvVars      = "EnvVars"
)

// Keys of the Replacements section the harness itself reads.
const (
	KeyBuildCommand   = "build_cmd"
	KeyCheckCommand   = "check_cmd"
	KeyReportCommand  = "report_cmd"
	KeyExecutablePath = "executable_path"
	KeyBatchFile      = "batch_filename"
	KeyJobName        = "job_name"
	KeyNodes          = "nodes"
	KeyWalltime       = "walltime"
	KeyBatchQueue     = "batch_queue"
	KeyProjectID      = "project_id"
)

// TestInput is the per-test rgt_test_input.ini.
type TestInput struct {
	Path         string
	Replacements map[string]string
	EnvVars      map[string]string
}

// LoadTestInput reads a test's input file.
func LoadTestInput(path string) (*TestInput, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load test input %s: %w", path, err)
	}

	in := &TestInput{
		Path:         path,
		Replacements: file.Section(SectionReplacements).KeysHash(),
		EnvVars:      file.Section(SectionEnvVars).KeysHash(),
	}
	if in.Get(KeyBatchFile) == "" {
		return nil, &ConfigError{Path: path, Section: SectionReplacements, Key: KeyBatchFile, Msg: "is required"}
	}
	return in, nil
}

// Get returns a Replacements value, or the empty string.
func (t *TestInput) Get(key string) string {
	return strings.TrimSpace(t.Replacements[key])
}

// Environ returns the EnvVars section as KEY=value pairs in key order.
func (t *TestInput) Environ() []string {
	keys := make([]string, 0, len(t.EnvVars))
	for k := range t.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, t.EnvVars[k]))
	}
	return env
}

// Values merges the replacements with the testshot defaults and the
// harness-provided values. Harness values win over the file, file values win
// over defaults.
func (t *TestInput) Values(cfg *Config, harness map[string]string) map[string]string {
	values := make(map[string]string, len(t.Replacements)+len(harness)+2)
	if cfg != nil {
		if cfg.Testshot.ProjectID != "" {
			values[KeyProjectID] = cfg.Testshot.ProjectID
		}
		if cfg.Testshot.Queue != "" {
			values[KeyBatchQueue] = cfg.Testshot.Queue
		}
	}
	for k, v := range t.Replacements {
		values[k] = v
	}
	for k, v := range harness {
		values[k] = v
	}
	return values
}

var templateToken = regexp.MustCompile(`__([A-Za-z0-9]+(?:_[A-Za-z0-9]+)*)__`)

// ExpandTemplate replaces __key__ tokens with values. Tokens without a value
// are left untouched.
func ExpandTemplate(tmpl string, values map[string]string) string {
	return templateToken.ReplaceAllStringFunc(tmpl, func(token string) string {
		key := templateToken.FindStringSubmatch(token)[1]
		if v, ok := values[key]; ok {
			return v
		}
		return token
	})
}

// WriteBatchScript expands the template at src into an executable script
// at dst.
func WriteBatchScript(src, dst string, values map[string]string) error {
	tmpl, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read batch template: %w", err)
	}
	if err := os.WriteFile(dst, []byte(ExpandTemplate(string(tmpl), values)), 0755); err != nil {
		return fmt.Errorf("failed to write batch script: %w", err)
	}
	return nil
}
