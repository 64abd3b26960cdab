package config

import (
	"path/filepath"
	"strings"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Jira       JiraConfig
	Storage    StorageConfig
	Log        LogConfig
	CodeSearch CodeSearchConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	APIToken string
}

type OllamaConfig struct {
	BaseURL     string
	FastModel   string
	VisionModel string
	DeepModel   string
}

// JiraConfig holds the ticketing credentials. All fields are optional at
// load time: a missing or misconfigured Jira must never prevent startup,
// the failure surfaces at ticket-creation time instead.
type JiraConfig struct {
	BaseURL    string
	Email      string
	APIToken   string
	ProjectKey string
	IssueType  string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// CodeSearchConfig lists the source tree roots scanned during triage.
type CodeSearchConfig struct {
	Roots []string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4200,
			MCPPort: 4201,
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			FastModel:   "phi3.5",
			VisionModel: "llava",
			DeepModel:   "mistral-nemo",
		},
		Jira: JiraConfig{
			ProjectKey: "KAN",
			IssueType:  "Task",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ImagesDir is where inbound screenshots are stored, under the data dir.
func (c Config) ImagesDir() string {
	return filepath.Join(c.Storage.DataDir, "images")
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/opsloop/config.json, then applies environment variable
// overrides (OPSLOOP_* plus the conventional JIRA_* names).
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// splitRoots parses the comma-separated code search roots value.
func splitRoots(raw string) []string {
	var roots []string
	for _, r := range strings.Split(raw, ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			roots = append(roots, r)
		}
	}
	return roots
}
