package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var knownSections = map[string]map[string]bool{
	"app":     {"name": true, "scheme": true, "authHost": true, "tokenParam": true},
	"target":  {"origin": true, "startPath": true, "reloadPath": true},
	"handoff": {"settleDelay": true, "timeout": true, "dedupWindow": true, "loadingOverlay": true, "emptyToken": true},
	"browser": {"controlURL": true, "bin": true, "headless": true, "userDataDir": true, "flags": true, "navigationTimeout": true},
	"forward": {"addr": true, "instanceFile": true},
	"storage": {"kind": true, "gcpProject": true, "database": true, "collection": true, "encryptionKey": true, "cleanupInterval": true},
}

var durationFields = map[string][]string{
	"handoff": {"settleDelay", "timeout", "dedupWindow"},
	"browser": {"navigationTimeout"},
	"storage": {"cleanupInterval"},
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes validates config file contents
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	// Check JSON syntax
	var rawConfig map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	// Check for bash-style syntax
	checkBashStyleSyntax(rawConfig, "", result)

	// Check version
	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": \"%s\"", Version)
	} else if !strings.HasPrefix(version, Version) {
		result.addError("version", "unsupported version '%s' - use '%s' or '%s-<variant>'", version, Version, Version)
	}

	keys := make([]string, 0, len(rawConfig))
	for key := range rawConfig {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key == "version" {
			continue
		}
		fields, known := knownSections[key]
		if !known {
			result.addWarning(key, "unknown section '%s' is ignored", key)
			continue
		}
		sec, ok := rawConfig[key].(map[string]any)
		if !ok {
			result.addError(key, "%s must be an object", key)
			continue
		}
		for field := range sec {
			if !fields[field] {
				result.addWarning(key+"."+field, "unknown field '%s' is ignored", field)
			}
		}
	}

	validateDurations(rawConfig, result)
	validateAppStructure(rawConfig, result)
	validateHandoffStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)

	return result
}

func section(rawConfig map[string]any, name string) map[string]any {
	s, _ := rawConfig[name].(map[string]any)
	return s
}

func validateDurations(rawConfig map[string]any, result *ValidationResult) {
	for name, fields := range durationFields {
		s := section(rawConfig, name)
		if s == nil {
			continue
		}
		for _, field := range fields {
			value, exists := s[field]
			if !exists {
				continue
			}
			str, ok := value.(string)
			if !ok {
				result.addError(name+"."+field, "must be a duration string. Example: \"300ms\" or \"10s\"")
				continue
			}
			if _, err := time.ParseDuration(str); err != nil {
				result.addError(name+"."+field, "invalid duration %q: %v", str, err)
			}
		}
	}
}

func validateAppStructure(rawConfig map[string]any, result *ValidationResult) {
	app := section(rawConfig, "app")
	if app == nil {
		return
	}
	if scheme, exists := app["scheme"]; exists {
		str, ok := scheme.(string)
		if !ok || !schemeRegex.MatchString(str) {
			result.addError("app.scheme", "scheme must be a URI scheme. Example: \"taiwanfood\"")
		}
	}
}

func validateHandoffStructure(rawConfig map[string]any, result *ValidationResult) {
	handoff := section(rawConfig, "handoff")
	if handoff == nil {
		return
	}
	if policy, exists := handoff["emptyToken"]; exists {
		str, _ := policy.(string)
		switch EmptyTokenPolicy(str) {
		case EmptyTokenNavigate, EmptyTokenIgnore:
		default:
			result.addError("handoff.emptyToken", "emptyToken must be '%s' or '%s'", EmptyTokenNavigate, EmptyTokenIgnore)
		}
	}
	if settle, ok := handoff["settleDelay"].(string); ok {
		if d, err := time.ParseDuration(settle); err == nil && d > time.Second {
			result.addWarning("handoff.settleDelay", "settleDelay of %s delays every reload noticeably", d)
		}
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage := section(rawConfig, "storage")
	if storage == nil {
		return
	}

	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case "", StorageKindNone, StorageKindMemory:
	case StorageKindFirestore:
		if _, ok := storage["gcpProject"]; !ok {
			result.addError("storage.gcpProject", "gcpProject is required when using firestore storage")
		}
		if _, ok := storage["encryptionKey"]; !ok {
			result.addError("storage.encryptionKey", "encryptionKey is required when using firestore storage. Hint: {\"$env\": \"HANDOFF_ENCRYPTION_KEY\"}")
		}
	default:
		result.addError("storage.kind", "unknown storage kind '%s' - use 'none', 'memory' or 'firestore'", kind)
	}

	if key, exists := storage["encryptionKey"]; exists {
		ref, isMap := key.(map[string]any)
		if !isMap {
			result.addError("storage.encryptionKey", "encryptionKey must use {\"$env\": \"VAR_NAME\"} format")
		} else if _, hasEnv := ref["$env"]; !hasEnv {
			result.addError("storage.encryptionKey", "encryptionKey must use {\"$env\": \"VAR_NAME\"} format")
		}
	}
}

// checkBashStyleSyntax looks for ${VAR} style references that are not expanded
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	bashStyleRegex := regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		// Skip if this is already an env ref
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
