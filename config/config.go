// Package config loads engine settings: a koanf-backed merge of a YAML
// config file, a dotenv file, and environment variables under a prefix,
// via github.com/cyverse-de/go-mod/cfg.
package config

import (
	"net/url"

	"github.com/cyverse-de/go-mod/cfg"
	"github.com/knadh/koanf"
	"github.com/pkg/errors"

	"github.com/cyverse-de/workflow-engine/common"
)

var log = common.Log

// Settings is everything the engine needs to boot, pulled out of the
// merged koanf tree into a typed struct so the rest of the engine never
// touches koanf directly.
type Settings struct {
	WorkingFolder       string
	WorkflowFolder      string
	CodeRepositoryFolder string
	SaltValue           string
	DefaultPasscode     string
	SecretKey           string
	MoreFolders         map[string]string
	UseSCIFWorkflow     bool
	ListenPort          int
	DatabaseURI         string
}

// Options mirrors the flag-defined overrides cmd/workflow-engine exposes:
// config file path, dotenv path, and env-var prefix, the three knobs
// threaded into cfg.Init.
type Options struct {
	ConfigPath string
	DotEnvPath string
	EnvPrefix  string
}

// DefaultOptions mirrors cfg's own defaults.
func DefaultOptions() Options {
	return Options{
		ConfigPath: cfg.DefaultConfigPath,
		DotEnvPath: cfg.DefaultDotEnvPath,
		EnvPrefix:  cfg.DefaultEnvPrefix,
	}
}

// Load reads and merges the configuration file, dotenv file, and
// environment (under opts.EnvPrefix, i.e. ATLANA_*), and extracts it
// into a Settings.
func Load(opts Options) (Settings, error) {
	k, err := cfg.Init(&cfg.Settings{
		EnvPrefix:   opts.EnvPrefix,
		ConfigPath:  opts.ConfigPath,
		DotEnvPath:  opts.DotEnvPath,
		StrictMerge: false,
		FileType:    cfg.YAML,
	})
	if err != nil {
		return Settings{}, errors.Wrap(err, "loading configuration")
	}

	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (Settings, error) {
	s := Settings{
		WorkingFolder:        k.String("working_folder"),
		WorkflowFolder:       k.String("workflow_folder"),
		CodeRepositoryFolder: k.String("code_repository_folder"),
		SaltValue:            k.String("salt_value"),
		DefaultPasscode:      k.String("default_passcode"),
		SecretKey:            k.String("secret_key"),
		UseSCIFWorkflow:      k.Bool("atlana_use_scif_workflow"),
		ListenPort:           k.Int("listen_port"),
		DatabaseURI:          k.String("db.uri"),
	}
	if s.ListenPort == 0 {
		s.ListenPort = 60010
	}
	if s.WorkingFolder == "" {
		s.WorkingFolder = "/tmp/atlana"
	}

	s.MoreFolders = parseMoreFolders(k.String("more_folders"))

	if s.DatabaseURI != "" {
		if _, err := url.Parse(s.DatabaseURI); err != nil {
			return Settings{}, errors.Wrap(err, "parsing db.uri")
		}
	}

	return s, nil
}

// parseMoreFolders parses the MORE_FOLDERS contract:
// semicolon-separated "name:path" pairs naming extra browsable roots.
// Malformed entries are logged and skipped rather than failing startup,
// since this is an optional, additive feature.
func parseMoreFolders(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}

	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ';' {
			entry := raw[start:i]
			start = i + 1
			if entry == "" {
				continue
			}
			name, path, ok := splitOnce(entry, ':')
			if !ok {
				log.Warnf("ignoring malformed MORE_FOLDERS entry %q", entry)
				continue
			}
			out[name] = path
		}
	}
	return out
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
