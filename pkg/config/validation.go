package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom
// rules. Struct tags cover the declarative constraints; rules that span
// several fields are checked explicitly.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	switch cfg.Storage.Type {
	case "jsonfile":
		files, _ := cfg.Storage.Jsonfile["files"].([]any)
		filesStr, _ := cfg.Storage.Jsonfile["files"].([]string)
		if len(files) == 0 && len(filesStr) == 0 {
			return fmt.Errorf("storage.jsonfile: at least one source file is required")
		}
	case "badger":
		inMemory, _ := cfg.Storage.Badger["in_memory"].(bool)
		if path, _ := cfg.Storage.Badger["path"].(string); path == "" && !inMemory {
			return fmt.Errorf("storage.badger: path is required unless in_memory is set")
		}
		if base, _ := cfg.Storage.Badger["base_dn"].(string); base == "" {
			return fmt.Errorf("storage.badger: base_dn is required")
		}
	case "memory":
		if base, _ := cfg.Storage.Memory["base_dn"].(string); base == "" {
			return fmt.Errorf("storage.memory: base_dn is required")
		}
	}

	if cfg.Server.RequestBurst > 0 && cfg.Server.RequestsPerSecond == 0 {
		return fmt.Errorf("server: request_burst is set but requests_per_second is 0")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly
// messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
