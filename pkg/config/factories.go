package config

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/veld-ldap/veld/pkg/directory"
	"github.com/veld-ldap/veld/pkg/directory/badgerstore"
	"github.com/veld-ldap/veld/pkg/directory/jsonfile"
	"github.com/veld-ldap/veld/pkg/directory/memory"
)

// CreateStore instantiates the directory backend selected by the
// configuration. The returned store is ready for use; the caller owns
// its Cleanup.
func CreateStore(ctx context.Context, cfg *Config) (directory.Store, error) {
	switch cfg.Storage.Type {
	case "jsonfile":
		return createJsonfileStore(ctx, cfg.Storage.Jsonfile)
	case "memory":
		return createMemoryStore(ctx, cfg.Storage.Memory)
	case "badger":
		return createBadgerStore(ctx, cfg.Storage.Badger)
	default:
		return nil, fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}
}

func createJsonfileStore(ctx context.Context, options map[string]any) (directory.Store, error) {
	type jsonfileOptions struct {
		Files         []string      `mapstructure:"files"`
		MergeStrategy string        `mapstructure:"merge_strategy"`
		ReadOnly      bool          `mapstructure:"read_only"`
		Watch         bool          `mapstructure:"watch"`
		Debounce      time.Duration `mapstructure:"debounce"`
		LockTimeout   time.Duration `mapstructure:"lock_timeout"`
		Backup        bool          `mapstructure:"backup"`
	}

	var opts jsonfileOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("invalid jsonfile config: %w", err)
	}
	if len(opts.Files) == 0 {
		return nil, fmt.Errorf("jsonfile storage: files is required")
	}

	return jsonfile.New(ctx, jsonfile.Options{
		Files:       opts.Files,
		Strategy:    jsonfile.Strategy(opts.MergeStrategy),
		ReadOnly:    opts.ReadOnly,
		Watch:       opts.Watch,
		Debounce:    opts.Debounce,
		LockTimeout: opts.LockTimeout,
		Backup:      opts.Backup,
	})
}

func createMemoryStore(ctx context.Context, options map[string]any) (directory.Store, error) {
	type memoryOptions struct {
		BaseDN string `mapstructure:"base_dn"`
	}

	var opts memoryOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("invalid memory config: %w", err)
	}
	if opts.BaseDN == "" {
		return nil, fmt.Errorf("memory storage: base_dn is required")
	}

	return memory.NewStore(opts.BaseDN)
}

func createBadgerStore(ctx context.Context, options map[string]any) (directory.Store, error) {
	type badgerOptions struct {
		Path       string        `mapstructure:"path"`
		BaseDN     string        `mapstructure:"base_dn"`
		InMemory   bool          `mapstructure:"in_memory"`
		GCInterval time.Duration `mapstructure:"gc_interval"`
	}

	var opts badgerOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}
	if opts.Path == "" && !opts.InMemory {
		return nil, fmt.Errorf("badger storage: path is required")
	}
	if opts.BaseDN == "" {
		return nil, fmt.Errorf("badger storage: base_dn is required")
	}

	return badgerstore.NewStore(ctx, badgerstore.Config{
		Path:       opts.Path,
		BaseDN:     opts.BaseDN,
		InMemory:   opts.InMemory,
		GCInterval: opts.GCInterval,
	})
}

// decodeOptions decodes a backend option map with duration string
// support ("500ms", "5s").
func decodeOptions(options map[string]any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     result,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(options)
}
