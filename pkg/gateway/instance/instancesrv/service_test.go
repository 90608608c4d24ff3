package instancesrv_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway"
	"github.com/Abraxas-365/portero/pkg/gateway/credential"
	"github.com/Abraxas-365/portero/pkg/gateway/credential/credentialcache"
	"github.com/Abraxas-365/portero/pkg/gateway/instance"
	"github.com/Abraxas-365/portero/pkg/gateway/instance/instancesrv"
	"github.com/Abraxas-365/portero/pkg/gateway/plan"
	"github.com/Abraxas-365/portero/pkg/gateway/servicetype"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/Abraxas-365/portero/pkg/ptrx"
)

// --- fakes ---

type fakeStore struct {
	mu        sync.Mutex
	created   []*instance.Instance
	creds     []*credential.Credentials
	createErr error
}

func (f *fakeStore) CreateUnderLimit(ctx context.Context, inst *instance.Instance, creds *credential.Credentials, maxActive *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if maxActive != nil && len(f.created) >= *maxActive {
		return gateway.ErrActiveLimitReached(len(f.created), *maxActive)
	}
	f.created = append(f.created, inst)
	f.creds = append(f.creds, creds)
	return nil
}

type fakeInstanceRepo struct {
	byID map[kernel.InstanceID]*instance.Instance

	oauthStatuses map[kernel.InstanceID]gateway.OAuthStatus
	renewCalls    int
}

func newFakeInstanceRepo() *fakeInstanceRepo {
	return &fakeInstanceRepo{
		byID:          make(map[kernel.InstanceID]*instance.Instance),
		oauthStatuses: make(map[kernel.InstanceID]gateway.OAuthStatus),
	}
}

func (f *fakeInstanceRepo) FindByID(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) (*instance.Instance, error) {
	inst, ok := f.byID[id]
	if !ok || inst.UserID != owner {
		return nil, gateway.ErrInstanceNotFound()
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeInstanceRepo) FindByIDUnscoped(ctx context.Context, id kernel.InstanceID) (*instance.Instance, error) {
	inst, ok := f.byID[id]
	if !ok {
		return nil, gateway.ErrInstanceNotFound()
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeInstanceRepo) FindByUser(ctx context.Context, owner kernel.UserID, filter instance.ListFilter) ([]*instance.Instance, error) {
	var out []*instance.Instance
	for _, inst := range f.byID {
		if inst.UserID != owner {
			continue
		}
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.OAuthStatus != nil && inst.OAuthStatus != *filter.OAuthStatus {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeInstanceRepo) Update(ctx context.Context, id kernel.InstanceID, owner kernel.UserID, patch instance.UpdatePatch) (*instance.Instance, error) {
	inst, ok := f.byID[id]
	if !ok || inst.UserID != owner {
		return nil, gateway.ErrInstanceNotFound()
	}
	if patch.CustomName != nil {
		inst.CustomName = *patch.CustomName
	}
	if patch.Status != nil {
		inst.Status = *patch.Status
	}
	if patch.ClearExpiry {
		inst.ExpiresAt = nil
	} else if patch.ExpiresAt != nil {
		inst.ExpiresAt = patch.ExpiresAt
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeInstanceRepo) Delete(ctx context.Context, id kernel.InstanceID, owner kernel.UserID) (*instance.Instance, error) {
	inst, ok := f.byID[id]
	if !ok || inst.UserID != owner {
		return nil, gateway.ErrInstanceNotFound()
	}
	delete(f.byID, id)
	return inst, nil
}

func (f *fakeInstanceRepo) Renew(ctx context.Context, id kernel.InstanceID, owner kernel.UserID, newExpiry *time.Time) (*instance.Instance, error) {
	inst, ok := f.byID[id]
	if !ok || inst.UserID != owner {
		return nil, gateway.ErrInstanceNotFound()
	}
	f.renewCalls++
	inst.ExpiresAt = newExpiry
	inst.Status = gateway.InstanceActive
	inst.RenewalCount++
	cp := *inst
	return &cp, nil
}

func (f *fakeInstanceRepo) Touch(ctx context.Context, id kernel.InstanceID) error { return nil }

func (f *fakeInstanceRepo) SetOAuthStatus(ctx context.Context, id kernel.InstanceID, status gateway.OAuthStatus) error {
	f.oauthStatuses[id] = status
	if inst, ok := f.byID[id]; ok {
		inst.OAuthStatus = status
	}
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

type fakeCredRepo struct {
	oauthStatuses map[kernel.InstanceID]gateway.OAuthStatus
	completedAts  map[kernel.InstanceID]*time.Time
}

func newFakeCredRepo() *fakeCredRepo {
	return &fakeCredRepo{
		oauthStatuses: make(map[kernel.InstanceID]gateway.OAuthStatus),
		completedAts:  make(map[kernel.InstanceID]*time.Time),
	}
}

func (f *fakeCredRepo) FindByInstance(ctx context.Context, id kernel.InstanceID) (*credential.Credentials, error) {
	return nil, gateway.ErrInstanceNotFound()
}
func (f *fakeCredRepo) UpdateTokensCAS(ctx context.Context, id kernel.InstanceID, v int64, p credential.TokenPatch) (*credential.Credentials, error) {
	return nil, nil
}
func (f *fakeCredRepo) UpdateTokens(ctx context.Context, id kernel.InstanceID, p credential.TokenPatch) (*credential.Credentials, error) {
	return nil, nil
}
func (f *fakeCredRepo) SetOAuthStatus(ctx context.Context, id kernel.InstanceID, status gateway.OAuthStatus, completedAt *time.Time) error {
	f.oauthStatuses[id] = status
	f.completedAts[id] = completedAt
	return nil
}
func (f *fakeCredRepo) SetFlowState(ctx context.Context, id kernel.InstanceID, u, s *string) error {
	return nil
}
func (f *fakeCredRepo) FindExpiredCompleted(ctx context.Context, now time.Time, limit int) ([]*credential.Credentials, error) {
	return nil, nil
}

type fakeTypeRepo struct {
	types       map[string]*servicetype.ServiceType
	adjustments []int
}

func (f *fakeTypeRepo) FindByID(ctx context.Context, id kernel.ServiceTypeID) (*servicetype.ServiceType, error) {
	for _, st := range f.types {
		if st.ID == id {
			return st, nil
		}
	}
	return nil, gateway.ErrInstanceNotFound()
}
func (f *fakeTypeRepo) FindByShortName(ctx context.Context, shortName string) (*servicetype.ServiceType, error) {
	st, ok := f.types[shortName]
	if !ok {
		return nil, gateway.ErrInstanceNotFound()
	}
	return st, nil
}
func (f *fakeTypeRepo) List(ctx context.Context, onlyActive bool) ([]*servicetype.ServiceType, error) {
	return nil, nil
}
func (f *fakeTypeRepo) AdjustActiveCount(ctx context.Context, id kernel.ServiceTypeID, delta int) error {
	f.adjustments = append(f.adjustments, delta)
	return nil
}

type fakePlanRepo struct {
	plan *plan.UserPlan
}

func (f *fakePlanRepo) FindByUser(ctx context.Context, userID kernel.UserID) (*plan.UserPlan, error) {
	cp := *f.plan
	return &cp, nil
}
func (f *fakePlanRepo) IncrementCreated(ctx context.Context, userID kernel.UserID) error { return nil }
func (f *fakePlanRepo) Upsert(ctx context.Context, p *plan.UserPlan) error               { return nil }

// --- fixture ---

type fixture struct {
	svc   *instancesrv.InstanceService
	store *fakeStore
	insts *fakeInstanceRepo
	creds *fakeCredRepo
	types *fakeTypeRepo
	plans *fakePlanRepo
	cache *credentialcache.Cache
}

func newFixture(maxInstances *int) *fixture {
	f := &fixture{
		store: &fakeStore{},
		insts: newFakeInstanceRepo(),
		creds: newFakeCredRepo(),
		types: &fakeTypeRepo{types: map[string]*servicetype.ServiceType{
			"crm": {
				ID:        "type-crm",
				ShortName: "crm",
				AuthKind:  gateway.AuthKindAPIKey,
				IsActive:  true,
			},
			"mail": {
				ID:           "type-mail",
				ShortName:    "mail",
				AuthKind:     gateway.AuthKindOAuth,
				AuthorizeURL: ptrx.Ptr("https://provider/authorize"),
				TokenURL:     ptrx.Ptr("https://provider/token"),
				IsActive:     true,
			},
		}},
		plans: &fakePlanRepo{plan: &plan.UserPlan{
			UserID:       "user-1",
			Kind:         plan.KindFree,
			MaxInstances: maxInstances,
		}},
		cache: credentialcache.New(0, 4),
	}
	f.svc = instancesrv.NewInstanceService(f.store, f.insts, f.creds, f.types, f.plans, f.cache)
	return f
}

func (f *fixture) seed(id kernel.InstanceID, status gateway.InstanceStatus, oauth gateway.OAuthStatus) *instance.Instance {
	inst := &instance.Instance{
		ID:            id,
		UserID:        "user-1",
		ServiceTypeID: "type-crm",
		CustomName:    "seeded",
		Status:        status,
		OAuthStatus:   oauth,
	}
	f.insts.byID[id] = inst
	return inst
}

// --- Create tests ---

func TestCreate_APIKeyInstanceIsImmediatelyCompleted(t *testing.T) {
	f := newFixture(nil)

	inst, err := f.svc.Create(context.Background(), "user-1", instancesrv.CreateRequest{
		ServiceTypeShortName: "crm",
		CustomName:           "my crm",
		APIKey:               "sk-live-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != gateway.InstanceActive || inst.OAuthStatus != gateway.OAuthCompleted {
		t.Fatalf("expected active/completed, got %s/%s", inst.Status, inst.OAuthStatus)
	}
	if inst.ID.IsEmpty() {
		t.Fatal("expected a generated instance id")
	}

	if len(f.store.creds) != 1 {
		t.Fatalf("expected one credentials row, got %d", len(f.store.creds))
	}
	creds := f.store.creds[0]
	if ptrx.Deref(creds.APIKey) != "sk-live-1" || creds.ClientID != nil {
		t.Fatalf("unexpected credentials shape: %+v", creds)
	}
	if creds.OAuthCompletedAt == nil {
		t.Fatal("expected completed credentials to carry a completion timestamp")
	}
}

func TestCreate_OAuthInstanceStartsPending(t *testing.T) {
	f := newFixture(nil)

	inst, err := f.svc.Create(context.Background(), "user-1", instancesrv.CreateRequest{
		ServiceTypeShortName: "mail",
		CustomName:           "my mail",
		ClientID:             "cid",
		ClientSecret:         "csec",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.OAuthStatus != gateway.OAuthPending {
		t.Fatalf("expected pending oauth status, got %s", inst.OAuthStatus)
	}
	creds := f.store.creds[0]
	if creds.APIKey != nil || ptrx.Deref(creds.ClientID) != "cid" {
		t.Fatalf("unexpected credentials shape: %+v", creds)
	}
	if creds.OAuthCompletedAt != nil {
		t.Fatal("expected no completion timestamp while the flow is pending")
	}
}

func TestCreate_RejectsWrongCredentialKind(t *testing.T) {
	f := newFixture(nil)

	_, err := f.svc.Create(context.Background(), "user-1", instancesrv.CreateRequest{
		ServiceTypeShortName: "crm",
		CustomName:           "my crm",
		APIKey:               "sk",
		ClientID:             "cid",
	})
	if err == nil {
		t.Fatal("expected validation error for mixed credential kinds")
	}

	_, err = f.svc.Create(context.Background(), "user-1", instancesrv.CreateRequest{
		ServiceTypeShortName: "mail",
		CustomName:           "my mail",
		ClientID:             "cid",
	})
	if err == nil {
		t.Fatal("expected validation error for half a client pair")
	}
}

func TestCreate_RejectsBlankName(t *testing.T) {
	f := newFixture(nil)

	_, err := f.svc.Create(context.Background(), "user-1", instancesrv.CreateRequest{
		ServiceTypeShortName: "crm",
		CustomName:           "   ",
		APIKey:               "sk",
	})
	if err == nil {
		t.Fatal("expected validation error for blank custom name")
	}
}

func TestCreate_DeactivatedServiceType(t *testing.T) {
	f := newFixture(nil)
	f.types.types["crm"].IsActive = false

	_, err := f.svc.Create(context.Background(), "user-1", instancesrv.CreateRequest{
		ServiceTypeShortName: "crm",
		CustomName:           "my crm",
		APIKey:               "sk",
	})
	if !errx.IsCode(err, gateway.CodeServiceUnavailable.Code) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
}

func TestCreate_PlanCapEnforced(t *testing.T) {
	f := newFixture(ptrx.Ptr(1))

	first := instancesrv.CreateRequest{ServiceTypeShortName: "crm", CustomName: "one", APIKey: "sk1"}
	if _, err := f.svc.Create(context.Background(), "user-1", first); err != nil {
		t.Fatalf("first create should pass: %v", err)
	}

	second := instancesrv.CreateRequest{ServiceTypeShortName: "crm", CustomName: "two", APIKey: "sk2"}
	_, err := f.svc.Create(context.Background(), "user-1", second)
	if !errx.IsCode(err, gateway.CodeActiveLimitReached.Code) {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestCreate_ConcurrentCreatesAdmitExactlyTheCap(t *testing.T) {
	f := newFixture(ptrx.Ptr(1))

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := instancesrv.CreateRequest{ServiceTypeShortName: "crm", CustomName: "racer", APIKey: "sk"}
			_, err := f.svc.Create(context.Background(), "user-1", req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, limited int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errx.IsCode(err, gateway.CodeActiveLimitReached.Code):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || limited != callers-1 {
		t.Fatalf("expected exactly one admitted create, got ok=%d limited=%d", ok, limited)
	}
	if len(f.store.created) != 1 {
		t.Fatalf("expected one persisted instance, got %d", len(f.store.created))
	}
}

// --- Toggle tests ---

func TestToggle_PausesAndResumes(t *testing.T) {
	f := newFixture(nil)
	f.seed("inst-1", gateway.InstanceActive, gateway.OAuthCompleted)
	f.cache.Put("inst-1", credentialcache.Record{Bearer: "t", ExpiresAt: time.Now().Add(time.Hour)})

	paused, err := f.svc.Toggle(context.Background(), "inst-1", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if paused.Status != gateway.InstanceInactive {
		t.Fatalf("expected inactive, got %s", paused.Status)
	}
	if rec := f.cache.Get("inst-1"); rec != nil {
		t.Fatal("a paused instance must not be servable from cache")
	}

	resumed, err := f.svc.Toggle(context.Background(), "inst-1", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed.Status != gateway.InstanceActive {
		t.Fatalf("expected active, got %s", resumed.Status)
	}
	if len(f.types.adjustments) != 2 || f.types.adjustments[0] != -1 || f.types.adjustments[1] != 1 {
		t.Fatalf("unexpected active-count adjustments: %v", f.types.adjustments)
	}
}

func TestToggle_ExpiredInstanceRejected(t *testing.T) {
	f := newFixture(nil)
	f.seed("inst-1", gateway.InstanceExpired, gateway.OAuthCompleted)

	_, err := f.svc.Toggle(context.Background(), "inst-1", "user-1")
	if !errx.IsCode(err, gateway.CodeInstanceExpired.Code) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestToggle_ReactivationChecksPlanCap(t *testing.T) {
	// One slot, already filled by another live instance: resuming the paused
	// one must not sneak past the cap.
	f := newFixture(ptrx.Ptr(1))
	f.seed("inst-live", gateway.InstanceActive, gateway.OAuthCompleted)
	f.seed("inst-paused", gateway.InstanceInactive, gateway.OAuthCompleted)

	_, err := f.svc.Toggle(context.Background(), "inst-paused", "user-1")
	if !errx.IsCode(err, gateway.CodeActiveLimitReached.Code) {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestToggle_CrossTenantLooksLikeMissing(t *testing.T) {
	f := newFixture(nil)
	f.seed("inst-1", gateway.InstanceActive, gateway.OAuthCompleted)

	_, err := f.svc.Toggle(context.Background(), "inst-1", "other-user")
	if !errx.IsCode(err, gateway.CodeInstanceNotFound.Code) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// --- Renew tests ---

func TestRenew_RejectsPastExpiry(t *testing.T) {
	f := newFixture(nil)
	f.seed("inst-1", gateway.InstanceExpired, gateway.OAuthCompleted)

	past := time.Now().Add(-time.Hour)
	_, err := f.svc.Renew(context.Background(), "inst-1", "user-1", &past)
	if err == nil {
		t.Fatal("expected validation error for past expiry")
	}
	if f.insts.renewCalls != 0 {
		t.Fatal("repository must not be touched on invalid input")
	}
}

func TestRenew_ExpiredOAuthDropsBackToPending(t *testing.T) {
	f := newFixture(nil)
	f.seed("inst-1", gateway.InstanceExpired, gateway.OAuthExpired)
	f.cache.Put("inst-1", credentialcache.Record{Bearer: "t", ExpiresAt: time.Now().Add(time.Hour)})

	future := time.Now().Add(24 * time.Hour)
	renewed, err := f.svc.Renew(context.Background(), "inst-1", "user-1", &future)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renewed.OAuthStatus != gateway.OAuthPending {
		t.Fatalf("expected pending after renewal, got %s", renewed.OAuthStatus)
	}
	if f.insts.oauthStatuses["inst-1"] != gateway.OAuthPending {
		t.Fatal("expected the instance row flipped to pending")
	}
	if f.creds.oauthStatuses["inst-1"] != gateway.OAuthPending {
		t.Fatal("expected the credentials row flipped to pending")
	}
	if f.creds.completedAts["inst-1"] != nil {
		t.Fatal("expected the completion timestamp cleared for the reopened flow")
	}
	if f.cache.Peek("inst-1") != nil {
		t.Fatal("expected the stale cache entry dropped")
	}
}

func TestRenew_CountableInstanceSkipsCapCheck(t *testing.T) {
	// The renewed instance already holds its slot: renewing must not count it
	// a second time against a full cap.
	f := newFixture(ptrx.Ptr(1))
	f.seed("inst-1", gateway.InstanceActive, gateway.OAuthCompleted)

	future := time.Now().Add(24 * time.Hour)
	if _, err := f.svc.Renew(context.Background(), "inst-1", "user-1", &future); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- Delete tests ---

func TestDelete_SettlesCountersAndCache(t *testing.T) {
	f := newFixture(nil)
	f.seed("inst-1", gateway.InstanceActive, gateway.OAuthCompleted)
	f.cache.Put("inst-1", credentialcache.Record{Bearer: "t", ExpiresAt: time.Now().Add(time.Hour)})

	if err := f.svc.Delete(context.Background(), "inst-1", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.insts.byID["inst-1"]; ok {
		t.Fatal("expected the instance gone")
	}
	if f.cache.Peek("inst-1") != nil {
		t.Fatal("expected the cache entry gone")
	}
	if len(f.types.adjustments) != 1 || f.types.adjustments[0] != -1 {
		t.Fatalf("expected one -1 adjustment, got %v", f.types.adjustments)
	}
}

func TestDelete_InactiveInstanceLeavesCounterAlone(t *testing.T) {
	f := newFixture(nil)
	f.seed("inst-1", gateway.InstanceInactive, gateway.OAuthCompleted)

	if err := f.svc.Delete(context.Background(), "inst-1", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.types.adjustments) != 0 {
		t.Fatalf("expected no adjustment for an inactive instance, got %v", f.types.adjustments)
	}
}
