package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/dgellow/webview-handoff/internal/cookie"
	"github.com/dgellow/webview-handoff/internal/envutil"
	"github.com/dgellow/webview-handoff/internal/log"
	"github.com/tidwall/jsonc"
)

var schemeRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*$`)

// Load loads and processes the config with immediate env var resolution.
// Comments and trailing commas are accepted.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes config file contents on top of Default
func Parse(data []byte) (Config, error) {
	data = jsonc.ToJSON(data)

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, Version) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	config := Default()
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		return nil
	}
	value, exists := storage["encryptionKey"]
	if !exists {
		return nil
	}
	// Check if it's a string (bad) or a map (good - env ref)
	if _, isString := value.(string); isString {
		return fmt.Errorf("encryptionKey must use environment variable reference for security")
	}
	if refMap, isMap := value.(map[string]any); isMap {
		if _, hasEnv := refMap["$env"]; !hasEnv {
			return fmt.Errorf("encryptionKey must use {\"$env\": \"VAR_NAME\"} format")
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if err := validateApp(&config.App); err != nil {
		return fmt.Errorf("app config: %w", err)
	}
	if err := validateTarget(&config.Target); err != nil {
		return fmt.Errorf("target config: %w", err)
	}
	if err := validateHandoff(&config.Handoff); err != nil {
		return fmt.Errorf("handoff config: %w", err)
	}
	if config.Browser.NavigationTimeout < 0 {
		return fmt.Errorf("browser.navigationTimeout cannot be negative")
	}
	if config.Browser.ControlURL != "" {
		if _, err := url.Parse(config.Browser.ControlURL); err != nil {
			return fmt.Errorf("browser.controlURL is invalid: %w", err)
		}
	}
	if err := validateForward(&config.Forward); err != nil {
		return fmt.Errorf("forward config: %w", err)
	}
	if err := validateStorage(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	return nil
}

func validateApp(app *AppConfig) error {
	if !schemeRegex.MatchString(app.Scheme) {
		return fmt.Errorf("scheme %q is not a valid URI scheme", app.Scheme)
	}
	if app.AuthHost == "" {
		return fmt.Errorf("authHost is required")
	}
	if app.TokenParam == "" {
		return fmt.Errorf("tokenParam is required")
	}
	return nil
}

func validateTarget(target *TargetConfig) error {
	origin, err := cookie.ParseOrigin(target.Origin)
	if err != nil {
		return err
	}
	// The cookie is Secure, a plain http origin would never receive it
	if strings.HasPrefix(origin, "http://") && !envutil.IsDev() {
		return fmt.Errorf("origin %s must use https (set HANDOFF_ENV=development to allow http)", origin)
	}
	target.Origin = origin

	if !strings.HasPrefix(target.StartPath, "/") {
		return fmt.Errorf("startPath must start with '/'")
	}
	if !strings.HasPrefix(target.ReloadPath, "/") {
		return fmt.Errorf("reloadPath must start with '/'")
	}
	return nil
}

func validateHandoff(h *HandoffConfig) error {
	if h.SettleDelay < 0 {
		return fmt.Errorf("settleDelay cannot be negative")
	}
	if h.Timeout <= h.SettleDelay {
		return fmt.Errorf("timeout (%s) must be greater than settleDelay (%s)", h.Timeout, h.SettleDelay)
	}
	if h.DedupWindow < 0 {
		return fmt.Errorf("dedupWindow cannot be negative")
	}
	if h.DedupWindow == 0 {
		log.LogWarn("Handoff dedupWindow is 0 - redelivered activations will start a second handoff")
	}
	switch h.EmptyToken {
	case EmptyTokenNavigate, EmptyTokenIgnore:
	default:
		return fmt.Errorf("emptyToken must be %q or %q, got %q", EmptyTokenNavigate, EmptyTokenIgnore, h.EmptyToken)
	}
	return nil
}

func validateForward(f *ForwardConfig) error {
	host, _, err := net.SplitHostPort(f.Addr)
	if err != nil {
		return fmt.Errorf("addr %q is invalid: %w", f.Addr, err)
	}
	if !isLoopback(host) {
		return fmt.Errorf("addr %q must bind a loopback address", f.Addr)
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateStorage(s *StorageConfig) error {
	if s.CleanupInterval < 0 {
		return fmt.Errorf("cleanupInterval cannot be negative")
	}
	switch s.Kind {
	case StorageKindNone, StorageKindMemory:
		return nil
	case StorageKindFirestore:
		if s.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
		if len(s.EncryptionKey) != 32 {
			return fmt.Errorf("encryptionKey must be exactly 32 characters (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(s.EncryptionKey))
		}
		return nil
	default:
		return fmt.Errorf("unknown storage kind: %s (use 'none', 'memory' or 'firestore')", s.Kind)
	}
}
