package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel string `yaml:"log_level"` // "debug","info","warn","error"
}

// Backend describes the Ollama model service the gateway fronts.
// OLLAMA_HOST and OLLAMA_PORT override host/port at load time.
type Backend struct {
	Host      string `yaml:"host"`
	Port      string `yaml:"port"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// Limits is the per-user requests-per-minute table. Users absent from the
// map are governed by Default. Values are validated by governance.NewLimits;
// a non-positive configured limit prevents startup.
type Limits struct {
	Default int            `yaml:"default"`
	Users   map[string]int `yaml:"users"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Backend       Backend       `yaml:"backend"`
	Limits        Limits        `yaml:"limits"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 90 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB

func (b Backend) URL() string {
	return "http://" + b.Host + ":" + b.Port
}

func (b Backend) Timeout() time.Duration {
	if b.TimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(b.TimeoutMS) * time.Millisecond
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Backend.Host == "" {
		cfg.Backend.Host = "ollama"
	}
	if cfg.Backend.Port == "" {
		cfg.Backend.Port = "11434"
	}
	if cfg.Backend.Model == "" {
		cfg.Backend.Model = "tinyllama"
	}
	if cfg.Limits.Default == 0 {
		cfg.Limits.Default = 10
	}
	if h := os.Getenv("OLLAMA_HOST"); h != "" {
		cfg.Backend.Host = h
	}
	if p := os.Getenv("OLLAMA_PORT"); p != "" {
		cfg.Backend.Port = p
	}
	return &cfg, nil
}
