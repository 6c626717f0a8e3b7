package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the deployment mode of the handoff host
const EnvVar = "HANDOFF_ENV"

// IsDev reports whether the host runs in development mode, where the
// target origin may be plain http (a local dev server)
func IsDev() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvVar))) {
	case "development", "dev":
		return true
	default:
		return false
	}
}
