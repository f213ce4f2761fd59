package config

import (
	"strings"
	"testing"
	"time"
)

func validTestConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Output: "stdout"},
		Server: ServerConfig{
			Listen:          "0.0.0.0:3893",
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type: "jsonfile",
			Jsonfile: map[string]any{
				"files": []string{"/data/users.json"},
			},
			Memory: map[string]any{},
			Badger: map[string]any{},
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validTestConfig()); err != nil {
		t.Errorf("Expected valid config, got: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := validTestConfig()
	cfg.Logging.Level = "VERBOSE"
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for invalid log level")
	}
}

func TestValidate_BadStorageType(t *testing.T) {
	cfg := validTestConfig()
	cfg.Storage.Type = "postgres"
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for unknown storage type")
	}
}

func TestValidate_JsonfileNeedsFiles(t *testing.T) {
	cfg := validTestConfig()
	cfg.Storage.Jsonfile = map[string]any{}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected error for jsonfile without files")
	}
	if !strings.Contains(err.Error(), "source file") {
		t.Errorf("Unexpected error message: %v", err)
	}
}

func TestValidate_BadgerNeedsPathAndBase(t *testing.T) {
	cfg := validTestConfig()
	cfg.Storage.Type = "badger"

	cfg.Storage.Badger = map[string]any{"base_dn": "dc=example,dc=com"}
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for badger without path")
	}

	cfg.Storage.Badger = map[string]any{"path": "/var/lib/veld"}
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for badger without base_dn")
	}

	cfg.Storage.Badger = map[string]any{"path": "/var/lib/veld", "base_dn": "dc=example,dc=com"}
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid badger config, got: %v", err)
	}
}

func TestValidate_BadgerInMemorySkipsPath(t *testing.T) {
	cfg := validTestConfig()
	cfg.Storage.Type = "badger"

	cfg.Storage.Badger = map[string]any{"in_memory": true, "base_dn": "dc=example,dc=com"}
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid in-memory badger config without path, got: %v", err)
	}

	cfg.Storage.Badger = map[string]any{"in_memory": false, "base_dn": "dc=example,dc=com"}
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for on-disk badger without path")
	}
}

func TestValidate_MemoryNeedsBase(t *testing.T) {
	cfg := validTestConfig()
	cfg.Storage.Type = "memory"
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for memory without base_dn")
	}

	cfg.Storage.Memory = map[string]any{"base_dn": "dc=example,dc=com"}
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid memory config, got: %v", err)
	}
}

func TestValidate_BurstWithoutRate(t *testing.T) {
	cfg := validTestConfig()
	cfg.Server.RequestBurst = 10
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for request_burst without requests_per_second")
	}

	cfg.Server.RequestsPerSecond = 5
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid rate limit config, got: %v", err)
	}
}

func TestValidate_NegativeConnections(t *testing.T) {
	cfg := validTestConfig()
	cfg.Server.MaxConnections = -1
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for negative max_connections")
	}
}
