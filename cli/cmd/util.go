package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func configFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".shugo.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := configKeyDescriptions()[key]
	return ok
}

func configKeyDescriptions() map[string]string {
	return map[string]string{
		"vault.path":                  "Path to vault storage (for file store)",
		"vault.store_type":            "Storage backend type (file, s3)",
		"vault.master_key_env":        "Environment variable holding the master key",
		"vault.actor":                 "Actor recorded in the audit trail",
		"vault.max_concurrent_access": "Ceiling on simultaneously in-flight vault operations (0 = default)",
		"vault.max_backups":           "Backup retention limit (0 = default)",
		"vault.s3.endpoint":           "S3 endpoint URL",
		"vault.s3.region":             "S3 region",
		"vault.s3.bucket":             "S3 bucket name",
		"vault.s3.prefix":             "S3 key prefix",
		"vault.s3.access_key_id":      "S3 access key ID",
		"vault.s3.secret_access_key":  "S3 secret access key",
		"vault.s3.use_ssl":            "Use SSL for S3 connections",
		"audit.enabled":               "Enable audit logging",
		"audit.type":                  "Audit logger type (file, syslog)",
		"audit.options.file_path":     "Audit log file path",
		"audit.options.max_size":      "Audit log rotation size in MB",
		"audit.options.max_backups":   "Rotated audit log files to keep",
		"audit.log_level":             "Audit log level",
	}
}

func defaultConfigTemplate() map[string]interface{} {
	return map[string]interface{}{
		"vault": map[string]interface{}{
			"store_type":     "file",
			"path":           ".shugo",
			"master_key_env": "SHUGO_MASTER_KEY",
		},
		"audit": map[string]interface{}{
			"enabled": true,
			"type":    "file",
			"options": map[string]interface{}{
				"file_path": "audit.log",
			},
		},
	}
}

func validateConfiguration() []string {
	var problems []string

	storeType := viper.GetString("vault.store_type")
	switch storeType {
	case "file":
		if viper.GetString("vault.path") == "" {
			problems = append(problems, "vault.path is required when using the file store")
		}
	case "s3":
		if viper.GetString("vault.s3.endpoint") == "" {
			problems = append(problems, "vault.s3.endpoint is required when using the S3 store")
		}
		if viper.GetString("vault.s3.bucket") == "" {
			problems = append(problems, "vault.s3.bucket is required when using the S3 store")
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid store type: %s (must be file or s3)", storeType))
	}

	if envVar := viper.GetString("vault.master_key_env"); envVar == "" {
		problems = append(problems, "vault.master_key_env must name the environment variable holding the master key")
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		switch auditType {
		case "file":
			if viper.GetString("audit.options.file_path") == "" {
				problems = append(problems, "audit.options.file_path is required when using the file audit logger")
			}
		case "syslog":
		default:
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be file or syslog)", auditType))
		}
	}

	return problems
}

// convertConfigValue parses a command-line string into the type viper should
// store: bool, int, float or string.
func convertConfigValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}

	return value
}

func validateConfigValue(key string, value interface{}) error {
	switch key {
	case "vault.store_type":
		if str, ok := value.(string); ok && str != "file" && str != "s3" {
			return fmt.Errorf("invalid store type: %s (valid: file, s3)", str)
		}
	case "vault.max_concurrent_access", "vault.max_backups":
		if num, ok := value.(int); ok && num < 0 {
			return fmt.Errorf("%s cannot be negative", key)
		}
	case "audit.type":
		if str, ok := value.(string); ok && str != "file" && str != "syslog" {
			return fmt.Errorf("invalid audit type: %s (valid: file, syslog)", str)
		}
	}
	return nil
}

func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")

	settings := viper.AllSettings()
	var keys []string
	flattenKeys(settings, "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		envKey := "SHUGO_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			source = "environment"
		}

		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}

		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")

	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}

	return nil
}

func printConfigKeysYAML(keys map[string]string) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

func printConfigKeysJSON(keys map[string]string) error {
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keys to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys.
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	sensitive := []string{"passphrase", "password", "secret", "token", "access_key"}
	lower := strings.ToLower(key)

	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// promptConfirmation prompts the user for yes/no confirmation.
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
