package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Fields absent from the file keep whatever value the receiver already
// holds, which is how defaults survive a partial config.

func parseValue(name string, raw json.RawMessage, dst *string) error {
	if raw == nil {
		return nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = parsed.value
	return nil
}

func parseDuration(name string, raw *string, dst *time.Duration) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = d
	return nil
}

// UnmarshalJSON implements custom unmarshaling for TargetConfig
func (t *TargetConfig) UnmarshalJSON(data []byte) error {
	type rawTarget struct {
		Origin     json.RawMessage `json:"origin"`
		StartPath  *string         `json:"startPath"`
		ReloadPath *string         `json:"reloadPath"`
	}

	var raw rawTarget
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := parseValue("origin", raw.Origin, &t.Origin); err != nil {
		return err
	}
	if raw.StartPath != nil {
		t.StartPath = *raw.StartPath
	}
	if raw.ReloadPath != nil {
		t.ReloadPath = *raw.ReloadPath
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for HandoffConfig
func (h *HandoffConfig) UnmarshalJSON(data []byte) error {
	type rawHandoff struct {
		SettleDelay    *string           `json:"settleDelay"`
		Timeout        *string           `json:"timeout"`
		DedupWindow    *string           `json:"dedupWindow"`
		LoadingOverlay *bool             `json:"loadingOverlay"`
		EmptyToken     *EmptyTokenPolicy `json:"emptyToken"`
	}

	var raw rawHandoff
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := parseDuration("settleDelay", raw.SettleDelay, &h.SettleDelay); err != nil {
		return err
	}
	if err := parseDuration("timeout", raw.Timeout, &h.Timeout); err != nil {
		return err
	}
	if err := parseDuration("dedupWindow", raw.DedupWindow, &h.DedupWindow); err != nil {
		return err
	}
	if raw.LoadingOverlay != nil {
		h.LoadingOverlay = *raw.LoadingOverlay
	}
	if raw.EmptyToken != nil {
		h.EmptyToken = *raw.EmptyToken
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for BrowserConfig
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type rawBrowser struct {
		ControlURL        json.RawMessage   `json:"controlURL"`
		Bin               json.RawMessage   `json:"bin"`
		Headless          *bool             `json:"headless"`
		UserDataDir       json.RawMessage   `json:"userDataDir"`
		Flags             []json.RawMessage `json:"flags"`
		NavigationTimeout *string           `json:"navigationTimeout"`
	}

	var raw rawBrowser
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := parseValue("controlURL", raw.ControlURL, &b.ControlURL); err != nil {
		return err
	}
	if err := parseValue("bin", raw.Bin, &b.Bin); err != nil {
		return err
	}
	if err := parseValue("userDataDir", raw.UserDataDir, &b.UserDataDir); err != nil {
		return err
	}
	if raw.Headless != nil {
		b.Headless = *raw.Headless
	}
	if raw.Flags != nil {
		flags, err := ParseConfigValueSlice(raw.Flags)
		if err != nil {
			return fmt.Errorf("parsing flags: %w", err)
		}
		b.Flags = flags
	}
	return parseDuration("navigationTimeout", raw.NavigationTimeout, &b.NavigationTimeout)
}

// UnmarshalJSON implements custom unmarshaling for ForwardConfig
func (f *ForwardConfig) UnmarshalJSON(data []byte) error {
	type rawForward struct {
		Addr         json.RawMessage `json:"addr"`
		InstanceFile json.RawMessage `json:"instanceFile"`
	}

	var raw rawForward
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := parseValue("addr", raw.Addr, &f.Addr); err != nil {
		return err
	}
	return parseValue("instanceFile", raw.InstanceFile, &f.InstanceFile)
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	type rawStorage struct {
		Kind            *StorageKind    `json:"kind"`
		GCPProject      json.RawMessage `json:"gcpProject"`
		Database        *string         `json:"database"`
		Collection      *string         `json:"collection"`
		EncryptionKey   json.RawMessage `json:"encryptionKey"`
		CleanupInterval *string         `json:"cleanupInterval"`
	}

	var raw rawStorage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Kind != nil {
		s.Kind = *raw.Kind
	}
	if raw.Database != nil {
		s.Database = *raw.Database
	}
	if raw.Collection != nil {
		s.Collection = *raw.Collection
	}
	if err := parseValue("gcpProject", raw.GCPProject, &s.GCPProject); err != nil {
		return err
	}

	var key string
	if err := parseValue("encryptionKey", raw.EncryptionKey, &key); err != nil {
		return err
	}
	if raw.EncryptionKey != nil {
		s.EncryptionKey = Secret(key)
	}

	if err := parseDuration("cleanupInterval", raw.CleanupInterval, &s.CleanupInterval); err != nil {
		return err
	}

	// Apply defaults for Firestore configuration
	if s.Kind == StorageKindFirestore {
		if s.Database == "" {
			s.Database = "(default)"
		}
		if s.Collection == "" {
			s.Collection = "handoff_credentials"
		}
	}
	return nil
}
