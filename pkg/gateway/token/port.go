package token

import (
	"context"
	"net/http"

	"github.com/Abraxas-365/portero/pkg/errx"
)

// Method names the acquisition path that produced a token.
type Method string

const (
	// MethodService is the internal OAuth service.
	MethodService Method = "oauth_service"
	// MethodDirect is the provider's token endpoint, used when the internal
	// service is down.
	MethodDirect Method = "direct_oauth"
)

// TokenSet is the material returned by a successful exchange or refresh.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ClientCredentials identifies the OAuth client for one instance. TokenURL is
// the provider endpoint used by the direct path.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Client performs OAuth token operations against the internal OAuth service,
// falling back to the provider directly when the service is unreachable.
type Client interface {
	Exchange(ctx context.Context, cc ClientCredentials, code, redirectURI string) (*TokenSet, Method, error)
	Refresh(ctx context.Context, cc ClientCredentials, refreshToken string) (*TokenSet, Method, error)
}

// ============================================================================
// Failure kinds
// ============================================================================

var ErrRegistry = errx.NewRegistry("TOKEN")

var (
	CodeInvalidRefreshToken = ErrRegistry.Register("INVALID_REFRESH_TOKEN", errx.TypeAuthorization, http.StatusUnauthorized, "Refresh token rejected by the provider")
	CodeInvalidClient       = ErrRegistry.Register("INVALID_CLIENT", errx.TypeAuthorization, http.StatusUnauthorized, "Client credentials rejected by the provider")
	CodeNetworkError        = ErrRegistry.Register("NETWORK_ERROR", errx.TypeUnavailable, http.StatusServiceUnavailable, "Network failure reaching the token endpoint")
	CodeProviderRateLimit   = ErrRegistry.Register("PROVIDER_RATE_LIMIT", errx.TypeUnavailable, http.StatusServiceUnavailable, "Provider rate limit hit")
	CodeServiceUnavailable  = ErrRegistry.Register("SERVICE_UNAVAILABLE", errx.TypeUnavailable, http.StatusServiceUnavailable, "OAuth service unavailable")
	CodeUnknown             = ErrRegistry.Register("UNKNOWN", errx.TypeExternal, http.StatusBadGateway, "Unclassified token endpoint failure")
)

// IsTerminal reports whether the failure means the stored grant is dead and
// the user must re-authorize. Everything else is worth retrying later.
func IsTerminal(err error) bool {
	return errx.IsCode(err, CodeInvalidRefreshToken.Code) ||
		errx.IsCode(err, CodeInvalidClient.Code)
}

// Kind returns the short failure kind used in audit entries.
func Kind(err error) string {
	var e *errx.Error
	if !errx.As(err, &e) {
		return "unknown"
	}
	switch e.Code {
	case CodeInvalidRefreshToken.Code:
		return "invalid_refresh_token"
	case CodeInvalidClient.Code:
		return "invalid_client"
	case CodeNetworkError.Code:
		return "network_error"
	case CodeProviderRateLimit.Code:
		return "provider_rate_limit"
	case CodeServiceUnavailable.Code:
		return "service_unavailable"
	default:
		return "unknown"
	}
}
