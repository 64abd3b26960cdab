package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OPSLOOP_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "OPSLOOP_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "OPSLOOP_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "OPSLOOP_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "OPSLOOP_OLLAMA_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "ollama.vision_model", typ: kString, env: "OPSLOOP_OLLAMA_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.VisionModel },
	},
	{
		key: "ollama.deep_model", typ: kString, env: "OPSLOOP_OLLAMA_DEEP_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.DeepModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.DeepModel },
	},
	{
		key: "jira.base_url", typ: kString, env: "JIRA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Jira.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Jira.BaseURL },
	},
	{
		key: "jira.email", typ: kString, env: "JIRA_EMAIL",
		apply:   func(cfg *Config, v any) { cfg.Jira.Email = v.(string) },
		extract: func(cfg Config) any { return cfg.Jira.Email },
	},
	{
		key: "jira.api_token", typ: kString, env: "JIRA_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Jira.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Jira.APIToken },
	},
	{
		key: "jira.project_key", typ: kString, env: "JIRA_PROJECT_KEY",
		apply:   func(cfg *Config, v any) { cfg.Jira.ProjectKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Jira.ProjectKey },
	},
	{
		key: "jira.issue_type", typ: kString, env: "JIRA_ISSUE_TYPE",
		apply:   func(cfg *Config, v any) { cfg.Jira.IssueType = v.(string) },
		extract: func(cfg Config) any { return cfg.Jira.IssueType },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OPSLOOP_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "OPSLOOP_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "codesearch.roots", typ: kString, env: "OPSLOOP_CODESEARCH_ROOTS",
		apply:   func(cfg *Config, v any) { cfg.CodeSearch.Roots = splitRoots(v.(string)) },
		extract: func(cfg Config) any { return strings.Join(cfg.CodeSearch.Roots, ",") },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
