package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing shipper configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format: defaults, overlaid with
the config file, .env and SHIPPER_ environment variables.

You can redirect this output to a file to create a configuration template:

  shipper config dump > config.yaml

Environment variables use the SHIPPER_ prefix and underscores for nesting.
Example: ship.chunk_seconds -> SHIPPER_SHIP_CHUNK_SECONDS`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// redactedKeys are never printed.
var redactedKeys = map[string]bool{
	"password": true,
	"dsn":      true,
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations in their human-readable form.
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
		if !fieldType.IsExported() {
			continue
		}

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		case string:
			if redactedKeys[key] && fv != "" {
				result[key] = "[REDACTED]"
			} else {
				result[key] = fv
			}
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

func runConfigDump(cmd *cobra.Command, _ []string) error {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# shipper configuration")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 500ms, 30s, 5m, 1h")
	fmt.Fprintln(out, "# Run modes (ship.mode): hls, push, playback, wav, off")
	fmt.Fprintln(out, "#")
	fmt.Fprint(out, string(yamlData))
	return nil
}
