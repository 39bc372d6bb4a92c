package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/poemonsense/cloudcode-gateway/internal/auth"
	"github.com/poemonsense/cloudcode-gateway/internal/config"
	gwerrors "github.com/poemonsense/cloudcode-gateway/internal/errors"
	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

// tokenCacheSize bounds the per-email token cache; far above any
// realistic pool size.
const tokenCacheSize = 128

// TokenResolver caches short-lived access tokens and discovered project
// ids per account. The token cache is authoritative for freshness: entries
// expire after the refresh interval and callers never bypass it.
type TokenResolver struct {
	pool   *Pool
	tokens *expirable.LRU[string, string]

	mu       sync.Mutex
	projects map[string]string
}

// NewTokenResolver creates a resolver bound to the pool.
func NewTokenResolver(pool *Pool) *TokenResolver {
	return &TokenResolver{
		pool: pool,
		tokens: expirable.NewLRU[string, string](
			tokenCacheSize, nil, time.Duration(config.TokenRefreshIntervalMs)*time.Millisecond),
		projects: make(map[string]string),
	}
}

// TokenFor returns a valid access token for the account, refreshing or
// extracting per the account's source on cache miss.
func (r *TokenResolver) TokenFor(ctx context.Context, acc *Account) (string, error) {
	if token, ok := r.tokens.Get(acc.Email); ok {
		return token, nil
	}

	switch acc.Source {
	case SourceOAuth:
		result, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			r.pool.MarkInvalid(acc.Email, err.Error())
			return "", gwerrors.NewAuthenticationError(
				fmt.Sprintf("token refresh failed for account %s: %v; re-enroll the account", acc.Email, err),
				acc.Email)
		}
		r.pool.ClearInvalid(acc.Email)
		r.tokens.Add(acc.Email, result.AccessToken)
		utils.Debug("[Tokens] Refreshed access token for %s", utils.MaskEmail(acc.Email))
		return result.AccessToken, nil

	case SourceManual:
		if acc.APIKey == "" {
			return "", gwerrors.NewAuthenticationError(
				fmt.Sprintf("account %s has no stored key", acc.Email), acc.Email)
		}
		r.tokens.Add(acc.Email, acc.APIKey)
		return acc.APIKey, nil

	case SourceDatabase:
		cred, err := auth.ExtractCredential(ctx, acc.DBPath)
		if err != nil {
			return "", gwerrors.NewAuthenticationError(
				fmt.Sprintf("credential extraction failed for account %s: %v", acc.Email, err),
				acc.Email)
		}
		r.tokens.Add(acc.Email, cred.APIKey)
		utils.Debug("[Tokens] Extracted token for %s from local database", utils.MaskEmail(acc.Email))
		return cred.APIKey, nil

	default:
		return "", gwerrors.NewAuthenticationError(
			fmt.Sprintf("account %s has unknown source %q", acc.Email, acc.Source), acc.Email)
	}
}

// ProjectFor returns the Cloud Code project for the account: cached value,
// account override, composite-refresh-token segment, upstream discovery,
// then the hard-coded default.
func (r *TokenResolver) ProjectFor(ctx context.Context, acc *Account, token string) string {
	r.mu.Lock()
	if project, ok := r.projects[acc.Email]; ok {
		r.mu.Unlock()
		return project
	}
	r.mu.Unlock()

	if acc.ProjectID != "" {
		r.cacheProject(acc.Email, acc.ProjectID)
		return acc.ProjectID
	}

	if acc.Source == SourceOAuth {
		if parts := auth.ParseRefreshParts(acc.RefreshToken); parts.ProjectID != "" {
			r.cacheProject(acc.Email, parts.ProjectID)
			return parts.ProjectID
		}
	}

	project, err := auth.DiscoverProjectID(ctx, token)
	if err == nil && project != "" {
		utils.Info("[Tokens] Discovered project %s for %s", project, utils.MaskEmail(acc.Email))
		r.cacheProject(acc.Email, project)
		return project
	}
	if err != nil {
		utils.Warn("[Tokens] Project discovery failed for %s: %v", utils.MaskEmail(acc.Email), err)
	}

	// Not cached so a later request can still discover the real project
	return config.DefaultProjectID
}

func (r *TokenResolver) cacheProject(email, project string) {
	r.mu.Lock()
	r.projects[email] = project
	r.mu.Unlock()
}

// ClearTokenCache drops cached tokens for one email, or all when empty.
func (r *TokenResolver) ClearTokenCache(email string) {
	if email == "" {
		r.tokens.Purge()
		return
	}
	r.tokens.Remove(email)
}

// ClearProjectCache drops cached projects for one email, or all when empty.
func (r *TokenResolver) ClearProjectCache(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email == "" {
		r.projects = make(map[string]string)
		return
	}
	delete(r.projects, email)
}
