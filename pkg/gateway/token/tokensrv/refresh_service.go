package tokensrv

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/gateway/audit"
	"github.com/Abraxas-365/portero/pkg/gateway/credential"
	"github.com/Abraxas-365/portero/pkg/gateway/credential/credentialcache"
	"github.com/Abraxas-365/portero/pkg/gateway/instance"
	"github.com/Abraxas-365/portero/pkg/gateway/servicetype"
	"github.com/Abraxas-365/portero/pkg/gateway/token"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/Abraxas-365/portero/pkg/logx"
	"github.com/Abraxas-365/portero/pkg/ptrx"
	"golang.org/x/sync/singleflight"
)

// StateManager stores single-use CSRF states for authorization flows.
type StateManager interface {
	Issue(ctx context.Context, instanceID kernel.InstanceID) (string, error)
	Consume(ctx context.Context, state string) (kernel.InstanceID, error)
}

// ReauthNotifier tells the owner their instance needs re-authorization.
type ReauthNotifier interface {
	NotifyReauthenticationRequired(ctx context.Context, userID kernel.UserID, instanceID kernel.InstanceID, instanceName string)
}

// Recorder is the audit sink. Satisfied by auditsrv.Service.
type Recorder interface {
	Record(entry *audit.Entry)
}

// Result is a usable bearer plus its provenance.
type Result struct {
	Bearer    string
	ExpiresAt *time.Time
	Scope     string

	// Refreshed is true when this call (or the flight it joined) hit the
	// token endpoint rather than adopting stored material.
	Refreshed bool
}

// defaultFlightTimeout bounds a refresh flight when the caller passes no
// usable timeout.
const defaultFlightTimeout = 30 * time.Second

// RefreshService coordinates token acquisition for OAuth instances. Per
// instance, at most one refresh is in flight per process; concurrent callers
// join the flight and share its outcome.
type RefreshService struct {
	creds     credential.Repository
	instances instance.Repository
	cache     *credentialcache.Cache
	client    token.Client
	audits    Recorder
	notifier  ReauthNotifier
	states    StateManager

	group singleflight.Group

	// skew is how close to expiry a stored token is still adopted.
	skew time.Duration
	// flightTimeout caps how long a waiter blocks on a shared flight.
	flightTimeout time.Duration

	now func() time.Time
}

func NewRefreshService(
	creds credential.Repository,
	instances instance.Repository,
	cache *credentialcache.Cache,
	client token.Client,
	audits Recorder,
	notifier ReauthNotifier,
	states StateManager,
	skew, flightTimeout time.Duration,
) *RefreshService {
	if flightTimeout <= 0 {
		flightTimeout = defaultFlightTimeout
	}
	return &RefreshService{
		creds:         creds,
		instances:     instances,
		cache:         cache,
		client:        client,
		audits:        audits,
		notifier:      notifier,
		states:        states,
		skew:          skew,
		flightTimeout: flightTimeout,
		now:           time.Now,
	}
}

// Bearer returns a usable access token for the instance, refreshing through
// the provider when the stored one is missing or expiring within the skew
// window. creds and tokenURL come from the caller so the hot path does not
// re-read the catalog.
func (s *RefreshService) Bearer(ctx context.Context, inst *instance.Instance, creds *credential.Credentials, tokenURL string) (*Result, error) {
	now := s.now()

	if creds.HasAccessToken() && !s.expiringSoon(creds, now) {
		s.adopt(inst, creds)
		return &Result{
			Bearer:    *creds.AccessToken,
			ExpiresAt: creds.TokenExpiresAt,
			Scope:     ptrx.Deref(creds.TokenScope),
		}, nil
	}

	ch := s.group.DoChan(inst.ID.String(), func() (any, error) {
		// The flight owns its own context: a waiter giving up must not
		// cancel the refresh for everyone else.
		flightCtx, cancel := context.WithTimeout(context.Background(), s.flightTimeout)
		defer cancel()
		return s.refresh(flightCtx, inst, tokenURL)
	})

	waitCtx := ctx
	if s.flightTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.flightTimeout)
		defer cancel()
	}

	select {
	case <-waitCtx.Done():
		return nil, gateway.ErrOAuthTransientFailure().
			WithDetail("reason", "timed out waiting for in-flight refresh").
			WithCause(waitCtx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := res.Val.(*Result)
		if res.Shared {
			shared := *out
			return &shared, nil
		}
		return out, nil
	}
}

func (s *RefreshService) expiringSoon(creds *credential.Credentials, now time.Time) bool {
	if creds.TokenExpiresAt == nil {
		return false
	}
	return !creds.TokenExpiresAt.After(now.Add(s.skew))
}

// adopt caches stored token material without touching the provider.
func (s *RefreshService) adopt(inst *instance.Instance, creds *credential.Credentials) {
	if creds.TokenExpiresAt == nil {
		return
	}
	s.cache.Put(inst.ID, credentialcache.Record{
		Bearer:       ptrx.Deref(creds.AccessToken),
		RefreshToken: ptrx.Deref(creds.RefreshToken),
		ExpiresAt:    *creds.TokenExpiresAt,
		UserID:       inst.UserID,
		Status:       inst.Status,
		Scope:        ptrx.Deref(creds.TokenScope),
	})
}

// refresh is the single-flight body: re-read, double-check freshness, call
// the provider, write back with the version guard and settle cache and audit.
func (s *RefreshService) refresh(ctx context.Context, inst *instance.Instance, tokenURL string) (*Result, error) {
	started := s.now()

	// Re-read inside the flight: another process may have refreshed while we
	// queued, and the CAS guard needs the current version anyway.
	creds, err := s.creds.FindByInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	if creds.HasAccessToken() && !s.expiringSoon(creds, s.now()) {
		s.adopt(inst, creds)
		return &Result{
			Bearer:    *creds.AccessToken,
			ExpiresAt: creds.TokenExpiresAt,
			Scope:     ptrx.Deref(creds.TokenScope),
		}, nil
	}

	if !creds.HasRefreshToken() {
		s.failTerminal(ctx, inst, token.ErrRegistry.New(token.CodeInvalidRefreshToken).
			WithDetail("reason", "no refresh token on record"), started, "")
		return nil, gateway.ErrReauthenticationRequired().
			WithDetail("instance_id", inst.ID.String())
	}
	if !creds.HasClientPair() {
		return nil, gateway.ErrInvalidCredentialsShape().
			WithDetail("instance_id", inst.ID.String()).
			WithDetail("reason", "oauth instance without client pair")
	}

	cc := token.ClientCredentials{
		ClientID:     *creds.ClientID,
		ClientSecret: *creds.ClientSecret,
		TokenURL:     tokenURL,
	}

	set, method, err := s.client.Refresh(ctx, cc, *creds.RefreshToken)
	elapsed := s.now().Sub(started)

	if err != nil {
		if token.IsTerminal(err) {
			s.failTerminal(ctx, inst, err, started, string(method))
			return nil, gateway.ErrReauthenticationRequired().
				WithDetail("instance_id", inst.ID.String()).
				WithCause(err)
		}

		attempts := s.cache.IncrementRefreshAttempts(inst.ID)
		s.audits.Record(&audit.Entry{
			InstanceID:   inst.ID,
			UserID:       &inst.UserID,
			Operation:    audit.OperationRefresh,
			Outcome:      audit.OutcomeFailure,
			Method:       string(method),
			ErrorKind:    token.Kind(err),
			ErrorMessage: err.Error(),
			Metadata: audit.Metadata{
				ResponseTimeMs: elapsed.Milliseconds(),
				Attempt:        attempts,
				Fallback:       method == token.MethodDirect,
			},
		})
		return nil, gateway.ErrOAuthTransientFailure().
			WithDetail("instance_id", inst.ID.String()).
			WithCause(err)
	}

	expiresAt := s.tokenExpiry(set)
	patch := credential.TokenPatch{
		AccessToken:    &set.AccessToken,
		TokenExpiresAt: expiresAt,
	}
	if set.RefreshToken != "" {
		// Providers that rotate hand back a new refresh token; the rest keep
		// the old one valid, so nil leaves it untouched.
		patch.RefreshToken = &set.RefreshToken
	}
	if set.Scope != "" {
		patch.TokenScope = &set.Scope
	}

	updated, err := s.creds.UpdateTokensCAS(ctx, inst.ID, creds.Version, patch)
	if gateway.IsConflict(err) {
		logx.WithField("instance_id", inst.ID.String()).
			Warn("token write lost the version race, applying unconditionally")
		updated, err = s.creds.UpdateTokens(ctx, inst.ID, patch)
	}
	if err != nil {
		return nil, err
	}

	s.adoptUpdated(inst, updated)
	s.cache.ResetRefreshAttempts(inst.ID)

	s.audits.Record(&audit.Entry{
		InstanceID: inst.ID,
		UserID:     &inst.UserID,
		Operation:  audit.OperationRefresh,
		Outcome:    audit.OutcomeSuccess,
		Method:     string(method),
		Metadata: audit.Metadata{
			ResponseTimeMs: elapsed.Milliseconds(),
			Fallback:       method == token.MethodDirect,
			Scope:          set.Scope,
		},
	})

	return &Result{
		Bearer:    set.AccessToken,
		ExpiresAt: updated.TokenExpiresAt,
		Scope:     ptrx.Deref(updated.TokenScope),
		Refreshed: true,
	}, nil
}

func (s *RefreshService) tokenExpiry(set *token.TokenSet) *time.Time {
	if set.ExpiresIn <= 0 {
		return nil
	}
	t := s.now().Add(time.Duration(set.ExpiresIn) * time.Second)
	return &t
}

func (s *RefreshService) adoptUpdated(inst *instance.Instance, creds *credential.Credentials) {
	if creds.TokenExpiresAt == nil {
		// Non-expiring token: cache with a bounded lifetime so reconciliation
		// still revisits it.
		exp := s.now().Add(24 * time.Hour)
		cp := *creds
		cp.TokenExpiresAt = &exp
		creds = &cp
	}
	s.adopt(inst, creds)
}

// failTerminal settles a dead grant: both rows flip to failed, the cache
// entry goes away, the failure is audited and the owner is notified.
func (s *RefreshService) failTerminal(ctx context.Context, inst *instance.Instance, cause error, started time.Time, method string) {
	failedAt := s.now()
	if err := s.creds.SetOAuthStatus(ctx, inst.ID, gateway.OAuthFailed, &failedAt); err != nil {
		logx.WithError(err).Error("failed to mark credentials failed")
	}
	if err := s.instances.SetOAuthStatus(ctx, inst.ID, gateway.OAuthFailed); err != nil {
		logx.WithError(err).Error("failed to mark instance failed")
	}
	s.cache.Delete(inst.ID)

	s.audits.Record(&audit.Entry{
		InstanceID:   inst.ID,
		UserID:       &inst.UserID,
		Operation:    audit.OperationRefresh,
		Outcome:      audit.OutcomeFailure,
		Method:       method,
		ErrorKind:    token.Kind(cause),
		ErrorMessage: cause.Error(),
		Metadata: audit.Metadata{
			ResponseTimeMs: s.now().Sub(started).Milliseconds(),
		},
	})

	if s.notifier != nil {
		s.notifier.NotifyReauthenticationRequired(ctx, inst.UserID, inst.ID, inst.CustomName)
	}
}

// BeginAuthorization starts a fresh OAuth flow for a pending (or failed)
// instance and returns the provider URL to send the user to.
func (s *RefreshService) BeginAuthorization(ctx context.Context, inst *instance.Instance, st *servicetype.ServiceType, creds *credential.Credentials, redirectURI string) (string, error) {
	if st.AuthorizeURL == nil || *st.AuthorizeURL == "" {
		return "", gateway.ErrServiceUnavailable().
			WithDetail("reason", "service type has no authorization endpoint")
	}
	if !creds.HasClientPair() {
		return "", gateway.ErrInvalidCredentialsShape().
			WithDetail("instance_id", inst.ID.String())
	}

	state, err := s.states.Issue(ctx, inst.ID)
	if err != nil {
		return "", err
	}

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {*creds.ClientID},
		"redirect_uri":  {redirectURI},
		"state":         {state},
	}
	if st.DefaultScope != nil && *st.DefaultScope != "" {
		q.Set("scope", *st.DefaultScope)
	}
	authURL := fmt.Sprintf("%s?%s", *st.AuthorizeURL, q.Encode())

	if err := s.creds.SetFlowState(ctx, inst.ID, &authURL, &state); err != nil {
		return "", err
	}
	if inst.OAuthStatus != gateway.OAuthPending {
		if err := s.instances.SetOAuthStatus(ctx, inst.ID, gateway.OAuthPending); err != nil {
			return "", err
		}
		if err := s.creds.SetOAuthStatus(ctx, inst.ID, gateway.OAuthPending, nil); err != nil {
			return "", err
		}
	}

	return authURL, nil
}

// CompleteAuthorization consumes the callback: validates the state, exchanges
// the code and lands the instance in completed.
func (s *RefreshService) CompleteAuthorization(ctx context.Context, state, code, redirectURI string, lookup func(context.Context, kernel.InstanceID) (*instance.Instance, *servicetype.ServiceType, error)) (*instance.Instance, error) {
	instanceID, err := s.states.Consume(ctx, state)
	if err != nil {
		return nil, err
	}

	inst, st, err := lookup(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	creds, err := s.creds.FindByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !creds.HasClientPair() {
		return nil, gateway.ErrInvalidCredentialsShape().
			WithDetail("instance_id", instanceID.String())
	}

	cc := token.ClientCredentials{
		ClientID:     *creds.ClientID,
		ClientSecret: *creds.ClientSecret,
		TokenURL:     st.ProviderTokenURL(),
	}

	started := s.now()
	set, method, err := s.client.Exchange(ctx, cc, code, redirectURI)
	elapsed := s.now().Sub(started)

	if err != nil {
		s.audits.Record(&audit.Entry{
			InstanceID:   instanceID,
			UserID:       &inst.UserID,
			Operation:    audit.OperationExchange,
			Outcome:      audit.OutcomeFailure,
			Method:       string(method),
			ErrorKind:    token.Kind(err),
			ErrorMessage: err.Error(),
			Metadata:     audit.Metadata{ResponseTimeMs: elapsed.Milliseconds()},
		})
		if token.IsTerminal(err) {
			return nil, gateway.ErrReauthenticationRequired().WithCause(err)
		}
		return nil, gateway.ErrOAuthTransientFailure().WithCause(err)
	}

	expiresAt := s.tokenExpiry(set)
	patch := credential.TokenPatch{
		AccessToken:    &set.AccessToken,
		TokenExpiresAt: expiresAt,
	}
	if set.RefreshToken != "" {
		patch.RefreshToken = &set.RefreshToken
	}
	if set.Scope != "" {
		patch.TokenScope = &set.Scope
	}

	updated, err := s.creds.UpdateTokens(ctx, instanceID, patch)
	if err != nil {
		return nil, err
	}

	completedAt := s.now()
	if err := s.creds.SetOAuthStatus(ctx, instanceID, gateway.OAuthCompleted, &completedAt); err != nil {
		return nil, err
	}
	if err := s.instances.SetOAuthStatus(ctx, instanceID, gateway.OAuthCompleted); err != nil {
		return nil, err
	}
	if err := s.creds.SetFlowState(ctx, instanceID, nil, nil); err != nil {
		logx.WithError(err).Warn("failed to clear flow state after exchange")
	}

	inst.OAuthStatus = gateway.OAuthCompleted
	s.adoptUpdated(inst, updated)

	s.audits.Record(&audit.Entry{
		InstanceID: instanceID,
		UserID:     &inst.UserID,
		Operation:  audit.OperationExchange,
		Outcome:    audit.OutcomeSuccess,
		Method:     string(method),
		Metadata: audit.Metadata{
			ResponseTimeMs: elapsed.Milliseconds(),
			Fallback:       method == token.MethodDirect,
			Scope:          set.Scope,
		},
	})

	return inst, nil
}
