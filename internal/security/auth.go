package security

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-security-gateway/internal/clients"
	"github.com/valyala/fasthttp"
)

// APIKeyHeader is the credential header clients present.
const APIKeyHeader = "X-API-Key"

// AuthError carries the HTTP status and client-visible message for a failed
// authentication.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s (status=%d)", e.Message, e.Status)
}

var (
	errMissingKey = &AuthError{Status: fasthttp.StatusUnauthorized, Message: "Missing API key"}
	errSuspended  = &AuthError{Status: fasthttp.StatusForbidden, Message: "Client suspended"}
	errInvalidKey = &AuthError{Status: fasthttp.StatusForbidden, Message: "Invalid API key"}
)

// Authenticator resolves a presented API key to a client record: directory
// first, then the legacy comma-separated key list from settings.
type Authenticator struct {
	store clients.Store // nil in legacy-only mode

	legacyKeys  []string
	legacyRPM   int
	upstreamKey string

	log *slog.Logger
}

// NewAuthenticator builds an Authenticator. store may be nil; legacyKeys may
// be empty; with both absent every request is rejected.
func NewAuthenticator(store clients.Store, legacyKeys []string, legacyRPM int, upstreamKey string, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{
		store:       store,
		legacyKeys:  legacyKeys,
		legacyRPM:   legacyRPM,
		upstreamKey: upstreamKey,
		log:         log,
	}
}

// Authenticate validates apiKey and returns the matching record.
//
// Directory I/O failures are logged and treated as a miss, so a flaky backend
// degrades to 403 rather than 5xx; the legacy list may still admit the key.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (*clients.Record, *AuthError) {
	if apiKey == "" {
		return nil, errMissingKey
	}

	if a.store != nil {
		rec, err := a.store.Lookup(ctx, apiKey)
		if err != nil {
			a.log.Warn("client store lookup failed", slog.String("error", err.Error()))
		}
		if rec != nil {
			if rec.Suspended() {
				return nil, errSuspended
			}
			return rec, nil
		}
	}

	for _, valid := range a.legacyKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(valid)) == 1 {
			return a.legacyRecord(valid), nil
		}
	}

	return nil, errInvalidKey
}

// legacyRecord synthesizes an ephemeral client for a key admitted via the
// legacy list: OpenAI routing, global upstream key, global rate limit, no
// allowlist.
func (a *Authenticator) legacyRecord(key string) *clients.Record {
	prefix := key
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &clients.Record{
		ClientID:       "legacy-" + prefix,
		APIKey:         key,
		Provider:       clients.ProviderOpenAI,
		RateLimitRPM:   a.legacyRPM,
		UpstreamAPIKey: a.upstreamKey,
		Status:         clients.StatusActive,
	}
}
