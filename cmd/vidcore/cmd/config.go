package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kjanssen/vidcore/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing vidcore configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the resolved configuration",
	Long: `Dump the resolved configuration values in YAML format.

This shows all available configuration options with their default values,
as overridden by any config.yaml found in the search paths below and by
environment variables. You can redirect this output to a file to create a configuration template:

  vidcore config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., ./configs, /etc/vidcore, $HOME/.vidcore)
  - Environment variables (VIDCORE_SERVER_PORT, VIDCORE_RECOVERY_MAX_ATTEMPTS, etc.)
  - Command-line flags (for some options)

Environment variables use the VIDCORE_ prefix and underscores for nesting.
Example: server.port -> VIDCORE_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations for human
// readability and using each field's mapstructure tag as the key.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfgMap := toMap(loaded)

	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# vidcore Configuration File")
	fmt.Println("# ==========================")
	fmt.Println("#")
	fmt.Println("# Values shown below are defaults unless overridden by a config file or environment variables.")
	fmt.Println("# Duration format: 30s, 5m, 1h")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   VIDCORE_SERVER_HOST, VIDCORE_SERVER_PORT")
	fmt.Println("#   VIDCORE_BACKEND_PREFERENCE")
	fmt.Println("#   VIDCORE_SOURCES_MAX_SOURCES")
	fmt.Println("#   VIDCORE_RECOVERY_MAX_ATTEMPTS, VIDCORE_CIRCUIT_FAILURE_THRESHOLD")
	fmt.Println("#   VIDCORE_LOGGING_LEVEL, VIDCORE_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
