package gateway

import (
	"net/http"

	"github.com/Abraxas-365/portero/pkg/errx"
)

// ============================================================================
// Shared Status Types
// ============================================================================

// AuthKind describes how a service type authenticates upstream.
type AuthKind string

const (
	AuthKindAPIKey AuthKind = "api_key"
	AuthKindOAuth  AuthKind = "oauth"
)

// InstanceStatus is the lifecycle state of an instance.
type InstanceStatus string

const (
	InstanceActive   InstanceStatus = "active"
	InstanceInactive InstanceStatus = "inactive"
	InstanceExpired  InstanceStatus = "expired"
)

// OAuthStatus is the credential-freshness state shared by an instance and its
// credentials row.
//
//	pending   ──(successful initial exchange)──▶ completed
//	pending   ──(abandonment / timeout)────────▶ failed
//	completed ──(refresh: invalid_grant)───────▶ failed
//	completed ──(token past hard expiry)───────▶ expired
//	failed    ──(re-authorization)─────────────▶ pending
//	expired   ──(renewal)──────────────────────▶ completed
type OAuthStatus string

const (
	OAuthPending   OAuthStatus = "pending"
	OAuthCompleted OAuthStatus = "completed"
	OAuthFailed    OAuthStatus = "failed"
	OAuthExpired   OAuthStatus = "expired"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("GATEWAY")

var (
	CodeInvalidInstanceID = ErrRegistry.Register("INVALID_INSTANCE_ID", errx.TypeValidation, http.StatusBadRequest, "Instance id is malformed")
	CodeInstanceNotFound  = ErrRegistry.Register("INSTANCE_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Instance not found")
	CodeServiceUnavailable = ErrRegistry.Register("SERVICE_UNAVAILABLE", errx.TypeUnavailable, http.StatusServiceUnavailable, "Service is unavailable")
	CodeInstanceInactive  = ErrRegistry.Register("INSTANCE_INACTIVE", errx.TypeBusiness, http.StatusUnprocessableEntity, "Instance is paused")
	CodeInstanceExpired   = ErrRegistry.Register("INSTANCE_EXPIRED", errx.TypeBusiness, http.StatusGone, "Instance has expired")
	CodeInvalidCredentialsShape = ErrRegistry.Register("INVALID_CREDENTIALS_SHAPE", errx.TypeInternal, http.StatusInternalServerError, "Stored credentials violate the credential-shape invariant")
	CodeReauthenticationRequired = ErrRegistry.Register("REAUTHENTICATION_REQUIRED", errx.TypeAuthorization, http.StatusUnauthorized, "Refresh token rejected, re-authorization required")
	CodeOAuthTransientFailure = ErrRegistry.Register("OAUTH_TRANSIENT_FAILURE", errx.TypeUnavailable, http.StatusServiceUnavailable, "OAuth provider temporarily unavailable")
	CodeActiveLimitReached = ErrRegistry.Register("ACTIVE_LIMIT_REACHED", errx.TypeBusiness, http.StatusUnprocessableEntity, "Plan limit of active instances reached")
	CodeConflict          = ErrRegistry.Register("CONFLICT", errx.TypeConflict, http.StatusConflict, "Version conflict")
	CodeInternal          = ErrRegistry.Register("INTERNAL_ERROR", errx.TypeInternal, http.StatusInternalServerError, "Internal error")
)

// Helper constructors

func ErrInvalidInstanceID() *errx.Error {
	return ErrRegistry.New(CodeInvalidInstanceID)
}

func ErrInstanceNotFound() *errx.Error {
	return ErrRegistry.New(CodeInstanceNotFound)
}

func ErrServiceUnavailable() *errx.Error {
	return ErrRegistry.New(CodeServiceUnavailable)
}

func ErrInstanceInactive() *errx.Error {
	return ErrRegistry.New(CodeInstanceInactive)
}

func ErrInstanceExpired() *errx.Error {
	return ErrRegistry.New(CodeInstanceExpired)
}

func ErrInvalidCredentialsShape() *errx.Error {
	return ErrRegistry.New(CodeInvalidCredentialsShape)
}

func ErrReauthenticationRequired() *errx.Error {
	return ErrRegistry.New(CodeReauthenticationRequired)
}

func ErrOAuthTransientFailure() *errx.Error {
	return ErrRegistry.New(CodeOAuthTransientFailure)
}

func ErrActiveLimitReached(current, max int) *errx.Error {
	return ErrRegistry.New(CodeActiveLimitReached).
		WithDetail("currentCount", current).
		WithDetail("maxInstances", max)
}

func ErrConflict() *errx.Error {
	return ErrRegistry.New(CodeConflict)
}

func ErrInternal() *errx.Error {
	return ErrRegistry.New(CodeInternal)
}

// IsConflict reports whether err carries the CAS conflict code.
func IsConflict(err error) bool {
	return errx.IsCode(err, CodeConflict.Code)
}

// IsNotFound reports whether err carries the instance-not-found code.
func IsNotFound(err error) bool {
	return errx.IsCode(err, CodeInstanceNotFound.Code)
}
