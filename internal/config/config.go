// Package config loads Caesium server/daemon configuration, grounded on
// the teacher's config.go + cli.go split: flags supply the common knobs,
// an optional JSON file can override them, and that file's contents are
// validated against a JSON Schema before merging, the same way the teacher validates
// cluster.json and the metric-store's embedded config schema.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Server is the merged configuration for cmd/caesium-server.
type Server struct {
	DBPath              string `json:"db_path"`
	InsertAddr          string `json:"insert_addr"`
	QueryAddr           string `json:"query_addr"`
	DebugAddr           string `json:"debug_addr"`
	NumReadWorkers      int    `json:"num_read_workers"`
	NumWriteWorkers     int    `json:"num_write_workers"`
	ReadQueueSize       int    `json:"read_queue_size"`
	WriteQueueSize      int    `json:"write_queue_size"`
	DownsampleInterval  string `json:"downsample_interval"`
	LogLevel            string `json:"log_level"`
	Gops                bool   `json:"gops"`
}

// DefaultServer returns the server defaults named in spec.md §6.
func DefaultServer() Server {
	return Server{
		DBPath:             "./data",
		InsertAddr:         ":7680",
		QueryAddr:          ":7681",
		DebugAddr:          ":7682",
		NumReadWorkers:     8,
		NumWriteWorkers:    4,
		ReadQueueSize:      256,
		WriteQueueSize:     256,
		DownsampleInterval: "600s",
		LogLevel:           "info",
	}
}

// Daemon is the merged configuration for cmd/caesium-daemon.
type Daemon struct {
	UDPAddr       string `json:"udp_addr"`
	ServerAddr    string `json:"server_addr"`
	FlushInterval string `json:"flush_interval"`
	QueueSize     int    `json:"queue_size"`
	LogLevel      string `json:"log_level"`
}

// DefaultDaemon returns the daemon defaults named in spec.md §6.
func DefaultDaemon() Daemon {
	return Daemon{
		UDPAddr:       ":8125",
		ServerAddr:    "127.0.0.1:7680",
		FlushInterval: "30s",
		QueueSize:     1000,
		LogLevel:      "info",
	}
}

const serverSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "db_path": {"type": "string"},
    "insert_addr": {"type": "string"},
    "query_addr": {"type": "string"},
    "debug_addr": {"type": "string"},
    "num_read_workers": {"type": "integer", "minimum": 1},
    "num_write_workers": {"type": "integer", "minimum": 1},
    "read_queue_size": {"type": "integer", "minimum": 1},
    "write_queue_size": {"type": "integer", "minimum": 1},
    "downsample_interval": {"type": "string"},
    "log_level": {"type": "string"},
    "gops": {"type": "boolean"}
  }
}`

const daemonSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "udp_addr": {"type": "string"},
    "server_addr": {"type": "string"},
    "flush_interval": {"type": "string"},
    "queue_size": {"type": "integer", "minimum": 1},
    "log_level": {"type": "string"}
  }
}`

func validate(schemaText string, raw []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", strings.NewReader(schemaText)); err != nil {
		return err
	}
	schema, err := compiler.Compile("config.json")
	if err != nil {
		return err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

// LoadServer merges the JSON file at path (if non-empty) over base,
// validating the file's contents against the server schema first.
func LoadServer(path string, base Server) (Server, error) {
	if path == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	if err := validate(serverSchema, raw); err != nil {
		return base, err
	}
	cfg := base
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return base, err
	}
	return cfg, nil
}

// LoadDaemon merges the JSON file at path (if non-empty) over base.
func LoadDaemon(path string, base Daemon) (Daemon, error) {
	if path == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	if err := validate(daemonSchema, raw); err != nil {
		return base, err
	}
	cfg := base
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return base, err
	}
	return cfg, nil
}
