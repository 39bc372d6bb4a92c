// Package config provides configuration constants and the runtime
// configuration document for the gateway.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// Version information
const Version = "1.0.0"

// Cloud Code API endpoints (in fallback order)
const (
	CloudCodeEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	CloudCodeEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// CloudCodeEndpointFallbacks is the endpoint fallback order (daily → prod)
var CloudCodeEndpointFallbacks = []string{
	CloudCodeEndpointDaily,
	CloudCodeEndpointProd,
}

// LoadCodeAssistEndpoints is the endpoint order for project discovery
// (prod first; works better for fresh/unprovisioned accounts)
var LoadCodeAssistEndpoints = []string{
	CloudCodeEndpointProd,
	CloudCodeEndpointDaily,
}

// DefaultProjectID is the last-resort project ID when discovery fails
const DefaultProjectID = "rising-fact-p41fc"

// CloudCodeHeaders are the required headers for Cloud Code API requests
func CloudCodeHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        platformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   clientMetadata(),
	}
}

func platformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// ClientMetadata enum values expected by the Cloud Code API
const (
	ideTypeAntigravity = 6
	pluginTypeGemini   = 2

	platformUnspecified = 0
	platformWindows     = 1
	platformLinux       = 2
	platformMacOS       = 3
)

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return platformMacOS
	case "windows":
		return platformWindows
	case "linux":
		return platformLinux
	default:
		return platformUnspecified
	}
}

func clientMetadata() string {
	data, _ := json.Marshal(map[string]int{
		"ideType":    ideTypeAntigravity,
		"platform":   platformEnum(),
		"pluginType": pluginTypeGemini,
	})
	return string(data)
}

// Timing constants
const (
	// TokenRefreshIntervalMs is the token cache TTL (5 minutes)
	TokenRefreshIntervalMs = 5 * 60 * 1000
	// RequestBodyLimit is the max request body size (10MB in bytes)
	RequestBodyLimit int64 = 10 * 1024 * 1024
	// DefaultPort is the default server port
	DefaultPort = 8080
)

// Selection and cooldown constants
const (
	// DefaultCooldownMs applies when a rate limit carries no reset hint (60s)
	DefaultCooldownMs = 60 * 1000
	// DefaultStickyWindowMs is the affinity-lock window after a success (60s)
	DefaultStickyWindowMs = 60 * 1000
	// ShortWaitThresholdMs is the max cooldown worth waiting out under the
	// affinity lock (10s)
	ShortWaitThresholdMs = 10 * 1000
	// MaxWaitBeforeErrorMs caps the wait on the sticky account before the
	// pool switches or errors (60s)
	MaxWaitBeforeErrorMs = 60 * 1000
	// HealthScoreMin / HealthScoreMax bound the derived health score
	HealthScoreMin = -100
	HealthScoreMax = 120
)

// Flow monitor constants
const (
	FlowEntriesMin     = 50
	FlowEntriesMax     = 2000
	FlowEntriesDefault = 200
	// FlowRetentionDays is how long daily flow logs are kept on disk
	FlowRetentionDays = 7
	// FlowSnapshotMessages caps the request snapshot stored per flow
	FlowSnapshotMessages = 3
)

// BackupKeepCount is how many timestamped backup folders are retained
const BackupKeepCount = 10

// Config paths
var (
	// ConfigDir is the gateway's state directory
	ConfigDir = filepath.Join(utils.GetHomeDir(), ".config", "cloudcode-gateway")
	// ConfigFilePath is the runtime configuration document
	ConfigFilePath = filepath.Join(ConfigDir, "config.json")
	// AccountConfigPath is the persisted credential pool document
	AccountConfigPath = filepath.Join(ConfigDir, "accounts.json")
	// BackupDir holds timestamped config+accounts backups
	BackupDir = filepath.Join(ConfigDir, "backups")
	// FlowLogDir holds daily flow NDJSON files
	FlowLogDir = filepath.Join(ConfigDir, "flows")
	// StateDBPath is the local editor state database holding the default
	// credential
	StateDBPath = stateDBPath()
)

func stateDBPath() string {
	home := utils.GetHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}

// OAuth configuration for the refresh-token exchange
var (
	OAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	OAuthClientSecret = "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"
	OAuthTokenURL     = "https://oauth2.googleapis.com/token"
)

// Model catalog

// SupportedModels are the canonical upstream model ids, in display order.
var SupportedModels = []string{
	"claude-opus-4-5-thinking",
	"claude-sonnet-4-5-thinking",
	"claude-sonnet-4-5",
}

// ModelAliases maps client-facing aliases (including dated ids) to
// canonical upstream models.
var ModelAliases = map[string]string{
	"claude-opus-4-5":            "claude-opus-4-5-thinking",
	"claude-opus-4-5-20251101":   "claude-opus-4-5-thinking",
	"claude-sonnet-4-5-20250929": "claude-sonnet-4-5-thinking",
	"claude-3-5-haiku-20241022":  "claude-sonnet-4-5",
	"claude-3-5-haiku":           "claude-sonnet-4-5",
}

// FreeModelForBackground is the downgrade target for background-task
// requests.
const FreeModelForBackground = "claude-sonnet-4-5"

// NormalizeModel resolves aliases and dated ids to a canonical model.
// Unknown ids pass through unchanged.
func NormalizeModel(model string) string {
	if canonical, ok := ModelAliases[model]; ok {
		return canonical
	}
	return model
}

// IsSupportedModel reports whether the id (after normalization) is a
// canonical upstream model.
func IsSupportedModel(model string) bool {
	normalized := NormalizeModel(model)
	for _, m := range SupportedModels {
		if m == normalized {
			return true
		}
	}
	return false
}

// BackgroundTaskPatterns are lowercase substrings that mark a request as a
// background/housekeeping task eligible for the free-model downgrade.
var BackgroundTaskPatterns = []string{
	"generate a concise title",
	"summarize this conversation",
	"summarize the conversation",
	"summarize conversation",
	"conversation titles",
	"title this chat",
	"write a short title",
	"quota check",
	"connection test",
	"count the tokens",
	"you are a title generator",
	"topic detection",
}
