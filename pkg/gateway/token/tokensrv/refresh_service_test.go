package tokensrv_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/gateway/audit"
	"github.com/Abraxas-365/portero/pkg/gateway/credential"
	"github.com/Abraxas-365/portero/pkg/gateway/credential/credentialcache"
	"github.com/Abraxas-365/portero/pkg/gateway/instance"
	"github.com/Abraxas-365/portero/pkg/gateway/servicetype"
	"github.com/Abraxas-365/portero/pkg/gateway/token"
	"github.com/Abraxas-365/portero/pkg/gateway/token/tokensrv"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/Abraxas-365/portero/pkg/ptrx"
)

// --- fakes ---

type fakeCredRepo struct {
	mu    sync.Mutex
	creds *credential.Credentials

	findCalls   int
	casCalls    int
	uncondCalls int

	// failCASOnce makes the first CAS call lose the version race.
	failCASOnce bool

	statuses []gateway.OAuthStatus
}

func (f *fakeCredRepo) FindByInstance(ctx context.Context, id kernel.InstanceID) (*credential.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	cp := *f.creds
	return &cp, nil
}

func (f *fakeCredRepo) apply(patch credential.TokenPatch) *credential.Credentials {
	if patch.AccessToken != nil {
		f.creds.AccessToken = patch.AccessToken
	}
	if patch.RefreshToken != nil {
		f.creds.RefreshToken = patch.RefreshToken
	}
	f.creds.TokenExpiresAt = patch.TokenExpiresAt
	if patch.TokenScope != nil {
		f.creds.TokenScope = patch.TokenScope
	}
	f.creds.Version++
	cp := *f.creds
	return &cp
}

func (f *fakeCredRepo) UpdateTokensCAS(ctx context.Context, id kernel.InstanceID, expectedVersion int64, patch credential.TokenPatch) (*credential.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casCalls++
	if f.failCASOnce {
		f.failCASOnce = false
		return nil, gateway.ErrConflict()
	}
	if expectedVersion != f.creds.Version {
		return nil, gateway.ErrConflict()
	}
	return f.apply(patch), nil
}

func (f *fakeCredRepo) UpdateTokens(ctx context.Context, id kernel.InstanceID, patch credential.TokenPatch) (*credential.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uncondCalls++
	return f.apply(patch), nil
}

func (f *fakeCredRepo) SetOAuthStatus(ctx context.Context, id kernel.InstanceID, status gateway.OAuthStatus, completedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	f.creds.OAuthStatus = status
	f.creds.OAuthCompletedAt = completedAt
	return nil
}

func (f *fakeCredRepo) SetFlowState(ctx context.Context, id kernel.InstanceID, authorizationURL, state *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds.AuthorizationURL = authorizationURL
	f.creds.FlowState = state
	return nil
}

func (f *fakeCredRepo) FindExpiredCompleted(ctx context.Context, now time.Time, limit int) ([]*credential.Credentials, error) {
	return nil, nil
}

type fakeInstanceRepo struct {
	mu       sync.Mutex
	statuses []gateway.OAuthStatus
}

func (f *fakeInstanceRepo) FindByID(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) (*instance.Instance, error) {
	return nil, gateway.ErrInstanceNotFound()
}
func (f *fakeInstanceRepo) FindByIDUnscoped(ctx context.Context, id kernel.InstanceID) (*instance.Instance, error) {
	return nil, gateway.ErrInstanceNotFound()
}
func (f *fakeInstanceRepo) FindByUser(ctx context.Context, owner kernel.UserID, filter instance.ListFilter) ([]*instance.Instance, error) {
	return nil, nil
}
func (f *fakeInstanceRepo) Update(ctx context.Context, id kernel.InstanceID, owner kernel.UserID, patch instance.UpdatePatch) (*instance.Instance, error) {
	return nil, nil
}
func (f *fakeInstanceRepo) Delete(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) (*instance.Instance, error) {
	return nil, nil
}
func (f *fakeInstanceRepo) Renew(ctx context.Context, id kernel.InstanceID, owner kernel.UserID, newExpiry *time.Time) (*instance.Instance, error) {
	return nil, nil
}
func (f *fakeInstanceRepo) Touch(ctx context.Context, id kernel.InstanceID) error { return nil }
func (f *fakeInstanceRepo) SetOAuthStatus(ctx context.Context, id kernel.InstanceID, status gateway.OAuthStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}
func (f *fakeInstanceRepo) FindDueForExpiry(ctx context.Context, now time.Time, limit int) ([]kernel.InstanceID, error) {
	return nil, nil
}
func (f *fakeInstanceRepo) MarkExpired(ctx context.Context, ids []kernel.InstanceID) (int64, error) {
	return 0, nil
}
func (f *fakeInstanceRepo) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*instance.Instance, error) {
	return nil, nil
}

type fakeTokenClient struct {
	mu           sync.Mutex
	refreshCalls int

	set    *token.TokenSet
	method token.Method
	err    error

	// delay simulates a slow provider so concurrent callers pile up.
	delay time.Duration
}

func (f *fakeTokenClient) Refresh(ctx context.Context, cc token.ClientCredentials, refreshToken string) (*token.TokenSet, token.Method, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.method, f.err
	}
	cp := *f.set
	return &cp, f.method, nil
}

func (f *fakeTokenClient) Exchange(ctx context.Context, cc token.ClientCredentials, code, redirectURI string) (*token.TokenSet, token.Method, error) {
	return f.Refresh(ctx, cc, "")
}

func (f *fakeTokenClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (f *fakeRecorder) Record(entry *audit.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeRecorder) byOutcome(outcome audit.Outcome) []*audit.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*audit.Entry
	for _, e := range f.entries {
		if e.Outcome == outcome {
			out = append(out, e)
		}
	}
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeNotifier) NotifyReauthenticationRequired(ctx context.Context, userID kernel.UserID, instanceID kernel.InstanceID, instanceName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

type fakeStateManager struct {
	issued     string
	boundTo    kernel.InstanceID
	consumeErr error
}

func (f *fakeStateManager) Issue(ctx context.Context, instanceID kernel.InstanceID) (string, error) {
	f.issued = "state-abc123"
	f.boundTo = instanceID
	return f.issued, nil
}

func (f *fakeStateManager) Consume(ctx context.Context, state string) (kernel.InstanceID, error) {
	if f.consumeErr != nil {
		return "", f.consumeErr
	}
	if state != f.issued {
		return "", gateway.ErrInstanceNotFound()
	}
	return f.boundTo, nil
}

// --- fixtures ---

type refreshFixture struct {
	svc      *tokensrv.RefreshService
	creds    *fakeCredRepo
	insts    *fakeInstanceRepo
	client   *fakeTokenClient
	audits   *fakeRecorder
	notifier *fakeNotifier
	states   *fakeStateManager
	cache    *credentialcache.Cache
	inst     *instance.Instance
}

func newRefreshFixture(creds *credential.Credentials, client *fakeTokenClient) *refreshFixture {
	f := &refreshFixture{
		creds:    &fakeCredRepo{creds: creds},
		insts:    &fakeInstanceRepo{},
		client:   client,
		audits:   &fakeRecorder{},
		notifier: &fakeNotifier{},
		states:   &fakeStateManager{},
		cache:    credentialcache.New(0, 4),
		inst: &instance.Instance{
			ID:          "inst-1",
			UserID:      "user-1",
			CustomName:  "my connection",
			Status:      gateway.InstanceActive,
			OAuthStatus: gateway.OAuthCompleted,
		},
	}
	f.svc = tokensrv.NewRefreshService(
		f.creds, f.insts, f.cache, f.client, f.audits, f.notifier, f.states,
		30*time.Second, 5*time.Second,
	)
	return f
}

func oauthCreds(accessToken string, expiresAt *time.Time) *credential.Credentials {
	var at *string
	if accessToken != "" {
		at = &accessToken
	}
	return &credential.Credentials{
		ID:             "cred-1",
		InstanceID:     "inst-1",
		ClientID:       ptrx.Ptr("client-id"),
		ClientSecret:   ptrx.Ptr("client-secret"),
		AccessToken:    at,
		RefreshToken:   ptrx.Ptr("refresh-1"),
		TokenExpiresAt: expiresAt,
		OAuthStatus:    gateway.OAuthCompleted,
		Version:        3,
	}
}

// --- Bearer tests ---

func TestBearer_AdoptsFreshStoredToken(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	client := &fakeTokenClient{}
	f := newRefreshFixture(oauthCreds("stored-token", &exp), client)

	res, err := f.svc.Bearer(context.Background(), f.inst, f.creds.creds, "https://provider/token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Bearer != "stored-token" || res.Refreshed {
		t.Fatalf("expected adopted stored token, got %+v", res)
	}
	if client.calls() != 0 {
		t.Fatalf("expected no provider call, got %d", client.calls())
	}
	if f.cache.Peek("inst-1") == nil {
		t.Fatal("expected the adopted token to land in the cache")
	}
}

func TestBearer_RefreshesWhenWithinSkew(t *testing.T) {
	// 10s to expiry is inside the 30s skew window.
	exp := time.Now().Add(10 * time.Second)
	client := &fakeTokenClient{
		set:    &token.TokenSet{AccessToken: "fresh-token", RefreshToken: "refresh-2", ExpiresIn: 3600, Scope: "read"},
		method: token.MethodService,
	}
	f := newRefreshFixture(oauthCreds("stale-token", &exp), client)

	res, err := f.svc.Bearer(context.Background(), f.inst, f.creds.creds, "https://provider/token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Bearer != "fresh-token" || !res.Refreshed {
		t.Fatalf("expected refreshed token, got %+v", res)
	}
	if client.calls() != 1 {
		t.Fatalf("expected exactly one provider call, got %d", client.calls())
	}
	if f.creds.casCalls != 1 || f.creds.uncondCalls != 0 {
		t.Fatalf("expected one CAS write and no fallback, got cas=%d uncond=%d", f.creds.casCalls, f.creds.uncondCalls)
	}
	if ptrx.Deref(f.creds.creds.RefreshToken) != "refresh-2" {
		t.Fatal("expected the rotated refresh token to be persisted")
	}
	if got := f.audits.byOutcome(audit.OutcomeSuccess); len(got) != 1 {
		t.Fatalf("expected one success audit entry, got %d", len(got))
	}
}

func TestBearer_SecondCallAdoptsTheWrittenBackToken(t *testing.T) {
	exp := time.Now().Add(10 * time.Second)
	client := &fakeTokenClient{
		set:    &token.TokenSet{AccessToken: "fresh-token", RefreshToken: "refresh-2", ExpiresIn: 3600},
		method: token.MethodService,
	}
	f := newRefreshFixture(oauthCreds("stale-token", &exp), client)

	if _, err := f.svc.Bearer(context.Background(), f.inst, f.creds.creds, "https://provider/token"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := f.svc.Bearer(context.Background(), f.inst, f.creds.creds, "https://provider/token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Bearer != "fresh-token" || res.Refreshed {
		t.Fatalf("expected the stored token adopted without a refresh, got %+v", res)
	}
	if client.calls() != 1 {
		t.Fatalf("expected the provider to be called once across both requests, got %d", client.calls())
	}
	if f.creds.creds.Version != 4 {
		t.Fatalf("expected a single version bump, got %d", f.creds.creds.Version)
	}
}

func TestBearer_KeepsOldRefreshTokenWhenProviderOmitsIt(t *testing.T) {
	exp := time.Now().Add(-time.Minute)
	client := &fakeTokenClient{
		set:    &token.TokenSet{AccessToken: "fresh-token", ExpiresIn: 3600},
		method: token.MethodService,
	}
	f := newRefreshFixture(oauthCreds("stale-token", &exp), client)

	if _, err := f.svc.Bearer(context.Background(), f.inst, f.creds.creds, "https://provider/token"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ptrx.Deref(f.creds.creds.RefreshToken) != "refresh-1" {
		t.Fatal("an omitted refresh token must leave the stored one untouched")
	}
}

func TestBearer_FallsBackToUnconditionalWriteOnVersionRace(t *testing.T) {
	exp := time.Now().Add(-time.Minute)
	client := &fakeTokenClient{
		set:    &token.TokenSet{AccessToken: "fresh-token", ExpiresIn: 3600},
		method: token.MethodService,
	}
	f := newRefreshFixture(oauthCreds("stale-token", &exp), client)
	f.creds.failCASOnce = true

	res, err := f.svc.Bearer(context.Background(), f.inst, f.creds.creds, "https://provider/token")
	if err != nil {
		t.Fatalf("expected the refresh to survive the version race, got %v", err)
	}
	if res.Bearer != "fresh-token" {
		t.Fatalf("unexpected bearer %q", res.Bearer)
	}
	if f.creds.casCalls != 1 || f.creds.uncondCalls != 1 {
		t.Fatalf("expected CAS then unconditional write, got cas=%d uncond=%d", f.creds.casCalls, f.creds.uncondCalls)
	}
}

func TestBearer_TerminalFailureMarksFailedAndNotifies(t *testing.T) {
	exp := time.Now().Add(-time.Minute)
	client := &fakeTokenClient{
		err:    token.ErrRegistry.New(token.CodeInvalidRefreshToken),
		method: token.MethodService,
	}
	f := newRefreshFixture(oauthCreds("stale-token", &exp), client)
	f.cache.Put("inst-1", credentialcache.Record{Bearer: "stale-token", ExpiresAt: exp})

	_, err := f.svc.Bearer(context.Background(), f.inst, f.creds.creds, "https://provider/token")
	if !errx.IsCode(err, gateway.CodeReauthenticationRequired.Code) {
		t.Fatalf("expected reauthentication error, got %v", err)
	}

	if len(f.creds.statuses) != 1 || f.creds.statuses[0] != gateway.OAuthFailed {
		t.Fatalf("expected credentials marked failed, got %v", f.creds.statuses)
	}
	if f.creds.creds.OAuthCompletedAt == nil {
		t.Fatal("expected the failed row to carry the transition timestamp")
	}
	if len(f.insts.statuses) != 1 || f.insts.statuses[0] != gateway.OAuthFailed {
		t.Fatalf("expected instance marked failed, got %v", f.insts.statuses)
	}
	if f.cache.Peek("inst-1") != nil {
		t.Fatal("expected the cache entry to be dropped")
	}
	if f.notifier.calls != 1 {
		t.Fatalf("expected one reauth notification, got %d", f.notifier.calls)
	}
	if got := f.audits.byOutcome(audit.OutcomeFailure); len(got) != 1 {
		t.Fatalf("expected one failure audit entry, got %d", len(got))
	}
}

func TestBearer_TransientFailureKeepsGrantAlive(t *testing.T) {
	exp := time.Now().Add(-time.Minute)
	client := &fakeTokenClient{
		err:    token.ErrRegistry.New(token.CodeNetworkError),
		method: token.MethodDirect,
	}
	f := newRefreshFixture(oauthCreds("stale-token", &exp), client)
	f.cache.Put("inst-1", credentialcache.Record{Bearer: "stale-token", ExpiresAt: exp})

	_, err := f.svc.Bearer(context.Background(), f.inst, f.creds.creds, "https://provider/token")
	if !errx.IsCode(err, gateway.CodeOAuthTransientFailure.Code) {
		t.Fatalf("expected transient failure, got %v", err)
	}

	if len(f.creds.statuses) != 0 || len(f.insts.statuses) != 0 {
		t.Fatal("a transient failure must not flip oauth status")
	}
	if f.notifier.calls != 0 {
		t.Fatal("a transient failure must not notify the owner")
	}
	rec := f.cache.Peek("inst-1")
	if rec == nil || rec.RefreshAttempts != 1 {
		t.Fatalf("expected the attempt counter bumped, got %+v", rec)
	}

	failures := f.audits.byOutcome(audit.OutcomeFailure)
	if len(failures) != 1 {
		t.Fatalf("expected one failure audit entry, got %d", len(failures))
	}
	if failures[0].ErrorKind != "network_error" || !failures[0].Metadata.Fallback {
		t.Fatalf("unexpected failure entry: %+v", failures[0])
	}
}

func TestBearer_NoRefreshTokenIsTerminal(t *testing.T) {
	exp := time.Now().Add(-time.Minute)
	creds := oauthCreds("stale-token", &exp)
	creds.RefreshToken = nil
	client := &fakeTokenClient{}
	f := newRefreshFixture(creds, client)

	_, err := f.svc.Bearer(context.Background(), f.inst, f.creds.creds, "https://provider/token")
	if !errx.IsCode(err, gateway.CodeReauthenticationRequired.Code) {
		t.Fatalf("expected reauthentication error, got %v", err)
	}
	if client.calls() != 0 {
		t.Fatal("no provider call should be made without a refresh token")
	}
	if f.notifier.calls != 1 {
		t.Fatalf("expected a reauth notification, got %d", f.notifier.calls)
	}
}

func TestBearer_MissingClientPairIsShapeError(t *testing.T) {
	exp := time.Now().Add(-time.Minute)
	creds := oauthCreds("stale-token", &exp)
	creds.ClientSecret = nil
	f := newRefreshFixture(creds, &fakeTokenClient{})

	_, err := f.svc.Bearer(context.Background(), f.inst, f.creds.creds, "https://provider/token")
	if !errx.IsCode(err, gateway.CodeInvalidCredentialsShape.Code) {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestBearer_ZeroFlightTimeoutFallsBackToDefault(t *testing.T) {
	exp := time.Now().Add(-time.Minute)
	client := &fakeTokenClient{
		set:    &token.TokenSet{AccessToken: "fresh-token", ExpiresIn: 3600},
		method: token.MethodService,
	}
	f := newRefreshFixture(oauthCreds("stale-token", &exp), client)
	svc := tokensrv.NewRefreshService(
		f.creds, f.insts, f.cache, client, f.audits, f.notifier, f.states,
		30*time.Second, 0,
	)

	res, err := svc.Bearer(context.Background(), f.inst, f.creds.creds, "https://provider/token")
	if err != nil {
		t.Fatalf("a zero flight timeout must not kill the refresh: %v", err)
	}
	if res.Bearer != "fresh-token" || !res.Refreshed {
		t.Fatalf("expected a refreshed token, got %+v", res)
	}
}

func TestBearer_ConcurrentCallersShareOneFlight(t *testing.T) {
	exp := time.Now().Add(-time.Minute)
	client := &fakeTokenClient{
		set:    &token.TokenSet{AccessToken: "fresh-token", ExpiresIn: 3600},
		method: token.MethodService,
		delay:  50 * time.Millisecond,
	}
	f := newRefreshFixture(oauthCreds("stale-token", &exp), client)

	// Callers share a snapshot taken before the refresh so the fake's live row
	// can be rewritten underneath them, as it would be in production.
	stale := *f.creds.creds

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*tokensrv.Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = f.svc.Bearer(context.Background(), f.inst, &stale, "https://provider/token")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].Bearer != "fresh-token" {
			t.Fatalf("caller %d got %q", i, results[i].Bearer)
		}
	}
	if client.calls() != 1 {
		t.Fatalf("expected exactly one provider call for %d callers, got %d", callers, client.calls())
	}
}

// --- authorization flow tests ---

func oauthServiceType() *servicetype.ServiceType {
	return &servicetype.ServiceType{
		ID:           "type-1",
		ShortName:    "crm",
		AuthKind:     gateway.AuthKindOAuth,
		AuthorizeURL: ptrx.Ptr("https://provider/authorize"),
		TokenURL:     ptrx.Ptr("https://provider/token"),
		DefaultScope: ptrx.Ptr("read write"),
		IsActive:     true,
	}
}

func TestBeginAuthorization_BuildsURLAndStoresFlowState(t *testing.T) {
	f := newRefreshFixture(oauthCreds("", nil), &fakeTokenClient{})
	f.inst.OAuthStatus = gateway.OAuthPending

	authURL, err := f.svc.BeginAuthorization(context.Background(), f.inst, oauthServiceType(), f.creds.creds, "https://gw/oauth/callback")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"https://provider/authorize?",
		"response_type=code",
		"client_id=client-id",
		"state=state-abc123",
		"scope=read+write",
	} {
		if !strings.Contains(authURL, want) {
			t.Fatalf("authorization URL missing %q: %s", want, authURL)
		}
	}
	if f.states.boundTo != "inst-1" {
		t.Fatalf("state bound to wrong instance: %s", f.states.boundTo)
	}
	if ptrx.Deref(f.creds.creds.FlowState) != "state-abc123" {
		t.Fatal("expected the flow state to be persisted")
	}
}

func TestBeginAuthorization_FailedInstanceGoesBackToPending(t *testing.T) {
	f := newRefreshFixture(oauthCreds("", nil), &fakeTokenClient{})
	f.inst.OAuthStatus = gateway.OAuthFailed
	f.creds.creds.OAuthStatus = gateway.OAuthFailed
	f.creds.creds.OAuthCompletedAt = ptrx.Ptr(time.Now().Add(-time.Hour))

	if _, err := f.svc.BeginAuthorization(context.Background(), f.inst, oauthServiceType(), f.creds.creds, "https://gw/cb"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.insts.statuses) != 1 || f.insts.statuses[0] != gateway.OAuthPending {
		t.Fatalf("expected instance back to pending, got %v", f.insts.statuses)
	}
	if f.creds.creds.OAuthCompletedAt != nil {
		t.Fatal("expected the completion timestamp cleared when the flow reopens")
	}
}

func TestBeginAuthorization_NoAuthorizeEndpoint(t *testing.T) {
	f := newRefreshFixture(oauthCreds("", nil), &fakeTokenClient{})
	st := oauthServiceType()
	st.AuthorizeURL = nil

	_, err := f.svc.BeginAuthorization(context.Background(), f.inst, st, f.creds.creds, "https://gw/cb")
	if !errx.IsCode(err, gateway.CodeServiceUnavailable.Code) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
}

func TestCompleteAuthorization_LandsCompleted(t *testing.T) {
	client := &fakeTokenClient{
		set:    &token.TokenSet{AccessToken: "first-token", RefreshToken: "first-refresh", ExpiresIn: 3600},
		method: token.MethodService,
	}
	f := newRefreshFixture(oauthCreds("", nil), client)
	f.inst.OAuthStatus = gateway.OAuthPending
	f.states.issued = "state-abc123"
	f.states.boundTo = "inst-1"
	st := oauthServiceType()

	inst, err := f.svc.CompleteAuthorization(context.Background(), "state-abc123", "auth-code", "https://gw/cb",
		func(ctx context.Context, id kernel.InstanceID) (*instance.Instance, *servicetype.ServiceType, error) {
			if id != "inst-1" {
				t.Fatalf("lookup called with wrong id %s", id)
			}
			return f.inst, st, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.OAuthStatus != gateway.OAuthCompleted {
		t.Fatalf("expected completed instance, got %s", inst.OAuthStatus)
	}

	if f.creds.creds.OAuthStatus != gateway.OAuthCompleted || f.creds.creds.OAuthCompletedAt == nil {
		t.Fatal("expected credentials completed with a timestamp")
	}
	if ptrx.Deref(f.creds.creds.AccessToken) != "first-token" {
		t.Fatal("expected the exchanged token persisted")
	}
	if f.creds.creds.FlowState != nil {
		t.Fatal("expected flow state cleared after exchange")
	}
	if f.cache.Peek("inst-1") == nil {
		t.Fatal("expected the new token cached")
	}
	if got := f.audits.byOutcome(audit.OutcomeSuccess); len(got) != 1 || got[0].Operation != audit.OperationExchange {
		t.Fatalf("expected one exchange audit entry, got %+v", got)
	}
}

func TestCompleteAuthorization_UnknownStateRejected(t *testing.T) {
	f := newRefreshFixture(oauthCreds("", nil), &fakeTokenClient{})
	f.states.issued = "state-abc123"

	_, err := f.svc.CompleteAuthorization(context.Background(), "forged-state", "code", "https://gw/cb",
		func(ctx context.Context, id kernel.InstanceID) (*instance.Instance, *servicetype.ServiceType, error) {
			t.Fatal("lookup must not run for an unknown state")
			return nil, nil, nil
		})
	if err == nil {
		t.Fatal("expected an error for an unknown state")
	}
}
