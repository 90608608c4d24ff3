package kernel

// ============================================================================
// Context Types
// ============================================================================

// RequestAuth is the authentication context attached to every gateway request.
// Bearer is only populated after the full auth pipeline has resolved a live
// access token for the instance.
type RequestAuth struct {
	UserID     UserID     `json:"user_id"`
	InstanceID InstanceID `json:"instance_id"`
	Bearer     string     `json:"-"`
}

// IsValid verifies the RequestAuth carries the identifiers every
// authenticated request must have.
func (ra *RequestAuth) IsValid() bool {
	return !ra.UserID.IsEmpty() && !ra.InstanceID.IsEmpty()
}

// HasBearer reports whether a live access token was attached.
func (ra *RequestAuth) HasBearer() bool {
	return ra.Bearer != ""
}

// ============================================================================
// Context Keys
// ============================================================================

type ContextKey string

const (
	// RequestAuthKey is the key for storing RequestAuth in context.Context
	// or fiber Locals.
	RequestAuthKey ContextKey = "request_auth"

	// UserContextKey is the key for storing the authenticated UserID before
	// instance resolution.
	UserContextKey ContextKey = "user_id"

	// RequestIDKey is the key for storing the request id.
	RequestIDKey ContextKey = "request_id"
)
