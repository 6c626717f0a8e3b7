package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Version is the config format this build understands
const Version = "v0.0.1-DEV_EDITION"

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageKind selects the durable credential mirror. The default is no
// mirror: a relayed token then lives only in the browser's cookie store.
type StorageKind string

const (
	StorageKindNone      StorageKind = "none"
	StorageKindMemory    StorageKind = "memory"
	StorageKindFirestore StorageKind = "firestore"
)

// EmptyTokenPolicy decides what an auth activation without a token does
type EmptyTokenPolicy string

const (
	EmptyTokenNavigate EmptyTokenPolicy = "navigate"
	EmptyTokenIgnore   EmptyTokenPolicy = "ignore"
)

// AppConfig describes the activation URIs the host answers to
type AppConfig struct {
	Name       string `json:"name"`
	Scheme     string `json:"scheme"`
	AuthHost   string `json:"authHost"`
	TokenParam string `json:"tokenParam"`
}

// TargetConfig is the origin the embedded content is served from
type TargetConfig struct {
	Origin     string `json:"origin"`
	StartPath  string `json:"startPath"`
	ReloadPath string `json:"reloadPath"`
}

// StartURL is the first page the embedded content opens
func (t TargetConfig) StartURL() string {
	return t.Origin + t.StartPath
}

// HandoffConfig tunes the handoff state machine
type HandoffConfig struct {
	SettleDelay    time.Duration    `json:"settleDelay"`
	Timeout        time.Duration    `json:"timeout"`
	DedupWindow    time.Duration    `json:"dedupWindow"`
	LoadingOverlay bool             `json:"loadingOverlay"`
	EmptyToken     EmptyTokenPolicy `json:"emptyToken"`
}

// BrowserConfig configures the embedded Chromium
type BrowserConfig struct {
	ControlURL        string        `json:"controlURL,omitempty"`
	Bin               string        `json:"bin,omitempty"`
	Headless          bool          `json:"headless"`
	UserDataDir       string        `json:"userDataDir,omitempty"`
	Flags             []string      `json:"flags,omitempty"`
	NavigationTimeout time.Duration `json:"navigationTimeout"`
}

// ForwardConfig configures the loopback endpoint later invocations forward
// their activation URI to
type ForwardConfig struct {
	Addr         string `json:"addr"`
	InstanceFile string `json:"instanceFile,omitempty"` // empty means the user cache dir
}

// StorageConfig configures the durable credential mirror
type StorageConfig struct {
	Kind            StorageKind   `json:"kind"`
	GCPProject      string        `json:"gcpProject,omitempty"`
	Database        string        `json:"database,omitempty"`
	Collection      string        `json:"collection,omitempty"`
	EncryptionKey   Secret        `json:"encryptionKey,omitempty"`
	CleanupInterval time.Duration `json:"cleanupInterval"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version string        `json:"version"`
	App     AppConfig     `json:"app"`
	Target  TargetConfig  `json:"target"`
	Handoff HandoffConfig `json:"handoff"`
	Browser BrowserConfig `json:"browser"`
	Forward ForwardConfig `json:"forward"`
	Storage StorageConfig `json:"storage"`
}

// Default returns the configuration used when no file is given. Loaded
// files are applied on top of it.
func Default() Config {
	return Config{
		Version: Version,
		App: AppConfig{
			Name:       "webview-handoff",
			Scheme:     "taiwanfood",
			AuthHost:   "auth",
			TokenParam: "token",
		},
		Target: TargetConfig{
			Origin:     "https://www.taiwan-yummy-food.com",
			StartPath:  "/",
			ReloadPath: "/",
		},
		Handoff: HandoffConfig{
			SettleDelay:    300 * time.Millisecond,
			Timeout:        10 * time.Second,
			DedupWindow:    30 * time.Second,
			LoadingOverlay: true,
			EmptyToken:     EmptyTokenNavigate,
		},
		Browser: BrowserConfig{
			NavigationTimeout: 30 * time.Second,
		},
		Forward: ForwardConfig{
			Addr: "127.0.0.1:0",
		},
		Storage: StorageConfig{
			Kind:            StorageKindNone,
			CleanupInterval: time.Hour,
		},
	}
}

// RawConfigValue represents a value that could be a string or an env ref.
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value string
}

// Value returns the resolved string
func (r *RawConfigValue) Value() string {
	return r.value
}

// ParseConfigValue parses a JSON value that could be a string or reference object
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	// Try reference object
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	if envVar, ok := ref["$env"]; ok {
		value := os.Getenv(envVar)
		if value == "" {
			return nil, fmt.Errorf("environment variable %s not set", envVar)
		}
		// Strip surrounding quotes if present (only matching pairs)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		return &RawConfigValue{value: value}, nil
	}

	return nil, fmt.Errorf("unknown reference type in config value")
}

// ParseConfigValueSlice parses a slice that may contain references
func ParseConfigValueSlice(raw []json.RawMessage) ([]string, error) {
	values := make([]string, len(raw))
	for i, item := range raw {
		parsed, err := ParseConfigValue(item)
		if err != nil {
			return nil, fmt.Errorf("parsing item %d: %w", i, err)
		}
		values[i] = parsed.value
	}
	return values, nil
}
