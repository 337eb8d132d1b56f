package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"helpdesk.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in process memory. A single mutex serialises every
// operation; transactions hold it for their whole duration and keep an undo journal so
// a failing transaction leaves no trace.
type MemoryStore struct {
	mu            sync.Mutex
	identities    map[string]*Identity
	orgs          map[string]*Organization
	groups        map[string]Group
	verifications map[string]EmailVerification
	security      map[string]LoginSecurityState
	twoFactor     map[string]TwoFactorCredential
	recovery      map[string]RecoveryCredential
	devices       map[deviceKey]TrustedDevice
}

type deviceKey struct {
	identityID  string
	fingerprint string
}

// NewMemoryStore creates an empty store seeded with DefaultGroups.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		identities:    make(map[string]*Identity),
		orgs:          make(map[string]*Organization),
		groups:        make(map[string]Group),
		verifications: make(map[string]EmailVerification),
		security:      make(map[string]LoginSecurityState),
		twoFactor:     make(map[string]TwoFactorCredential),
		recovery:      make(map[string]RecoveryCredential),
		devices:       make(map[deviceKey]TrustedDevice),
	}
	for _, g := range DefaultGroups {
		s.groups[g.Name] = g
	}
	return s
}

// memView is either the plain store (each call locks) or a transaction (lock already held).
type memView struct {
	s    *MemoryStore
	undo *[]func()
}

func (s *MemoryStore) view() *memView { return &memView{s: s} }

func (v *memView) lock() func() {
	if v.undo != nil {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

func (v *memView) record(fn func()) {
	if v.undo != nil {
		*v.undo = append(*v.undo, fn)
	}
}

func setKey[K comparable, V any](v *memView, m map[K]V, k K, val V) {
	prev, had := m[k]
	m[k] = val
	v.record(func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func deleteKey[K comparable, V any](v *memView, m map[K]V, k K) {
	prev, had := m[k]
	if !had {
		return
	}
	delete(m, k)
	v.record(func() { m[k] = prev })
}

func (s *MemoryStore) Identities(context.Context) IdentityStore      { return &memIdentities{s.view()} }
func (s *MemoryStore) Organizations(context.Context) OrganizationStore { return &memOrgs{s.view()} }
func (s *MemoryStore) Groups(context.Context) GroupStore              { return &memGroups{s.view()} }
func (s *MemoryStore) Verifications(context.Context) VerificationStore {
	return &memVerifications{s.view()}
}
func (s *MemoryStore) LoginSecurity(context.Context) LoginSecurityStore {
	return &memSecurity{s.view()}
}
func (s *MemoryStore) TwoFactor(context.Context) TwoFactorStore { return &memTwoFactor{s.view()} }
func (s *MemoryStore) Recovery(context.Context) RecoveryStore   { return &memRecovery{s.view()} }
func (s *MemoryStore) Devices(context.Context) DeviceStore      { return &memDevices{s.view()} }

// WithTx runs fn while holding the store lock; on error the journal is replayed backwards.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var undo []func()
	tx := &memTx{v: &memView{s: s, undo: &undo}}
	if err := fn(ctx, tx); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}
	return nil
}

type memTx struct{ v *memView }

func (t *memTx) Identities(context.Context) IdentityStore           { return &memIdentities{t.v} }
func (t *memTx) Organizations(context.Context) OrganizationStore    { return &memOrgs{t.v} }
func (t *memTx) Groups(context.Context) GroupStore                  { return &memGroups{t.v} }
func (t *memTx) Verifications(context.Context) VerificationStore    { return &memVerifications{t.v} }
func (t *memTx) LoginSecurity(context.Context) LoginSecurityStore   { return &memSecurity{t.v} }
func (t *memTx) TwoFactor(context.Context) TwoFactorStore           { return &memTwoFactor{t.v} }
func (t *memTx) Recovery(context.Context) RecoveryStore             { return &memRecovery{t.v} }
func (t *memTx) Devices(context.Context) DeviceStore                { return &memDevices{t.v} }

// WithTx nests into the running transaction.
func (t *memTx) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

// Identities -----------------------------------------------------------------
type memIdentities struct{ v *memView }

func (m *memIdentities) Create(_ context.Context, id *Identity) error {
	defer m.v.lock()()
	if m.takenLocked(id.Username, id.Email) {
		return ErrDuplicateIdentity
	}
	if id.ID == "" {
		id.ID = ids.NewAt(id.CreatedAt)
	}
	if _, ok := m.v.s.identities[id.ID]; ok {
		return ErrDuplicateIdentity
	}
	setKey(m.v, m.v.s.identities, id.ID, id.clone())
	return nil
}

func (m *memIdentities) Find(_ context.Context, id string) (*Identity, error) {
	defer m.v.lock()()
	got, ok := m.v.s.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return got.clone(), nil
}

func (m *memIdentities) FindByLogin(_ context.Context, login string) (*Identity, bool, error) {
	defer m.v.lock()()
	login = strings.TrimSpace(login)
	for _, id := range m.v.s.identities {
		if strings.EqualFold(id.Username, login) || strings.EqualFold(id.Email, login) {
			return id.clone(), true, nil
		}
	}
	return nil, false, nil
}

func (m *memIdentities) FindByEmail(_ context.Context, email string) (*Identity, bool, error) {
	defer m.v.lock()()
	email = strings.TrimSpace(email)
	for _, id := range m.v.s.identities {
		if strings.EqualFold(id.Email, email) {
			return id.clone(), true, nil
		}
	}
	return nil, false, nil
}

func (m *memIdentities) Taken(_ context.Context, username, email string) (bool, error) {
	defer m.v.lock()()
	return m.takenLocked(username, email), nil
}

func (m *memIdentities) takenLocked(username, email string) bool {
	for _, id := range m.v.s.identities {
		if strings.EqualFold(id.Username, username) || strings.EqualFold(id.Email, email) {
			return true
		}
	}
	return false
}

func (m *memIdentities) Update(_ context.Context, id *Identity) error {
	defer m.v.lock()()
	if _, ok := m.v.s.identities[id.ID]; !ok {
		return ErrNotFound
	}
	setKey(m.v, m.v.s.identities, id.ID, id.clone())
	return nil
}

func (m *memIdentities) Delete(_ context.Context, id string) error {
	defer m.v.lock()()
	if _, ok := m.v.s.identities[id]; !ok {
		return ErrNotFound
	}
	deleteKey(m.v, m.v.s.identities, id)
	return nil
}

func (m *memIdentities) Orphans(context.Context) ([]string, error) {
	defer m.v.lock()()
	var out []string
	for id := range m.v.s.identities {
		_, hasVerification := m.v.s.verifications[id]
		_, hasSecurity := m.v.s.security[id]
		if !hasVerification || !hasSecurity {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Organizations --------------------------------------------------------------
type memOrgs struct{ v *memView }

func (m *memOrgs) Create(_ context.Context, org *Organization) error {
	defer m.v.lock()()
	if org.ID == "" {
		org.ID = ids.NewAt(org.CreatedAt)
	}
	for _, existing := range m.v.s.orgs {
		if strings.EqualFold(existing.Name, org.Name) {
			return ErrDuplicateIdentity
		}
	}
	cp := *org
	setKey(m.v, m.v.s.orgs, org.ID, &cp)
	return nil
}

func (m *memOrgs) Find(_ context.Context, id string) (*Organization, bool, error) {
	defer m.v.lock()()
	org, ok := m.v.s.orgs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *org
	return &cp, true, nil
}

func (m *memOrgs) List(context.Context) ([]*Organization, error) {
	defer m.v.lock()()
	out := make([]*Organization, 0, len(m.v.s.orgs))
	for _, org := range m.v.s.orgs {
		cp := *org
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Groups ---------------------------------------------------------------------
type memGroups struct{ v *memView }

func (m *memGroups) Ensure(_ context.Context, groups []Group) error {
	defer m.v.lock()()
	for _, g := range groups {
		setKey(m.v, m.v.s.groups, g.Name, g)
	}
	return nil
}

func (m *memGroups) Find(_ context.Context, name string) (Group, bool, error) {
	defer m.v.lock()()
	g, ok := m.v.s.groups[name]
	return g, ok, nil
}

func (m *memGroups) List(context.Context) ([]Group, error) {
	defer m.v.lock()()
	out := make([]Group, 0, len(m.v.s.groups))
	for _, g := range m.v.s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Verifications --------------------------------------------------------------
type memVerifications struct{ v *memView }

func (m *memVerifications) Replace(_ context.Context, rec EmailVerification) error {
	defer m.v.lock()()
	setKey(m.v, m.v.s.verifications, rec.IdentityID, rec)
	return nil
}

func (m *memVerifications) Get(_ context.Context, identityID string) (EmailVerification, bool, error) {
	defer m.v.lock()()
	rec, ok := m.v.s.verifications[identityID]
	return rec, ok, nil
}

func (m *memVerifications) MarkVerified(_ context.Context, identityID string, at time.Time) error {
	defer m.v.lock()()
	rec, ok := m.v.s.verifications[identityID]
	if !ok {
		return ErrNotFound
	}
	rec.Verified = true
	rec.VerifiedAt = &at
	setKey(m.v, m.v.s.verifications, identityID, rec)
	return nil
}

func (m *memVerifications) RecordAttempt(_ context.Context, identityID string) (int, error) {
	defer m.v.lock()()
	rec, ok := m.v.s.verifications[identityID]
	if !ok {
		return 0, ErrNotFound
	}
	rec.Attempts++
	setKey(m.v, m.v.s.verifications, identityID, rec)
	return rec.Attempts, nil
}

func (m *memVerifications) Delete(_ context.Context, identityID string) error {
	defer m.v.lock()()
	deleteKey(m.v, m.v.s.verifications, identityID)
	return nil
}

// Login security -------------------------------------------------------------
type memSecurity struct{ v *memView }

func (m *memSecurity) Init(_ context.Context, identityID string) error {
	defer m.v.lock()()
	if _, ok := m.v.s.security[identityID]; ok {
		return nil
	}
	setKey(m.v, m.v.s.security, identityID, LoginSecurityState{IdentityID: identityID})
	return nil
}

func (m *memSecurity) Get(_ context.Context, identityID string) (LoginSecurityState, bool, error) {
	defer m.v.lock()()
	st, ok := m.v.s.security[identityID]
	return st, ok, nil
}

func (m *memSecurity) RecordFailure(_ context.Context, identityID string, threshold int, now time.Time) (LoginSecurityState, error) {
	defer m.v.lock()()
	st, ok := m.v.s.security[identityID]
	if !ok {
		return LoginSecurityState{}, ErrNotFound
	}
	st.FailedAttempts++
	if st.FailedAttempts >= threshold && !st.Locked {
		st.Locked = true
		st.LockedAt = &now
	}
	setKey(m.v, m.v.s.security, identityID, st)
	return st, nil
}

func (m *memSecurity) Reset(_ context.Context, identityID string) error {
	defer m.v.lock()()
	st, ok := m.v.s.security[identityID]
	if !ok || st.Locked {
		return nil
	}
	st.FailedAttempts = 0
	setKey(m.v, m.v.s.security, identityID, st)
	return nil
}

func (m *memSecurity) Unlock(_ context.Context, identityID string) error {
	defer m.v.lock()()
	if _, ok := m.v.s.security[identityID]; !ok {
		return ErrNotFound
	}
	setKey(m.v, m.v.s.security, identityID, LoginSecurityState{IdentityID: identityID})
	return nil
}

func (m *memSecurity) Delete(_ context.Context, identityID string) error {
	defer m.v.lock()()
	deleteKey(m.v, m.v.s.security, identityID)
	return nil
}

// Two factor -----------------------------------------------------------------
type memTwoFactor struct{ v *memView }

func (m *memTwoFactor) Get(_ context.Context, identityID string) (TwoFactorCredential, bool, error) {
	defer m.v.lock()()
	c, ok := m.v.s.twoFactor[identityID]
	return c, ok, nil
}

func (m *memTwoFactor) Save(_ context.Context, cred TwoFactorCredential) error {
	defer m.v.lock()()
	setKey(m.v, m.v.s.twoFactor, cred.IdentityID, cred)
	return nil
}

func (m *memTwoFactor) AdvanceStep(_ context.Context, identityID string, step uint64, at time.Time) (bool, error) {
	defer m.v.lock()()
	c, ok := m.v.s.twoFactor[identityID]
	if !ok || !c.Enabled {
		return false, nil
	}
	if step <= c.LastStep {
		return false, nil
	}
	c.LastStep = step
	c.LastAuthenticatedAt = &at
	setKey(m.v, m.v.s.twoFactor, identityID, c)
	return true, nil
}

func (m *memTwoFactor) Delete(_ context.Context, identityID string) error {
	defer m.v.lock()()
	deleteKey(m.v, m.v.s.twoFactor, identityID)
	return nil
}

// Recovery -------------------------------------------------------------------
type memRecovery struct{ v *memView }

func (m *memRecovery) Get(_ context.Context, identityID string) (RecoveryCredential, bool, error) {
	defer m.v.lock()()
	c, ok := m.v.s.recovery[identityID]
	return c, ok, nil
}

func (m *memRecovery) Save(_ context.Context, cred RecoveryCredential) error {
	defer m.v.lock()()
	setKey(m.v, m.v.s.recovery, cred.IdentityID, cred)
	return nil
}

func (m *memRecovery) Consume(_ context.Context, identityID, hash string) (bool, error) {
	defer m.v.lock()()
	c, ok := m.v.s.recovery[identityID]
	if !ok || c.Hash == "" || c.Hash != hash {
		return false, nil
	}
	c.Hash = ""
	setKey(m.v, m.v.s.recovery, identityID, c)
	return true, nil
}

func (m *memRecovery) Clear(_ context.Context, identityID string) error {
	defer m.v.lock()()
	c, ok := m.v.s.recovery[identityID]
	if !ok {
		return nil
	}
	c.Hash = ""
	setKey(m.v, m.v.s.recovery, identityID, c)
	return nil
}

func (m *memRecovery) Delete(_ context.Context, identityID string) error {
	defer m.v.lock()()
	deleteKey(m.v, m.v.s.recovery, identityID)
	return nil
}

// Devices --------------------------------------------------------------------
type memDevices struct{ v *memView }

func (m *memDevices) Upsert(_ context.Context, d TrustedDevice) error {
	defer m.v.lock()()
	key := deviceKey{d.IdentityID, d.Fingerprint}
	if prev, ok := m.v.s.devices[key]; ok {
		d.CreatedAt = prev.CreatedAt
	}
	setKey(m.v, m.v.s.devices, key, d)
	return nil
}

func (m *memDevices) Get(_ context.Context, identityID, fingerprint string) (TrustedDevice, bool, error) {
	defer m.v.lock()()
	d, ok := m.v.s.devices[deviceKey{identityID, fingerprint}]
	return d, ok, nil
}

func (m *memDevices) Touch(_ context.Context, identityID, fingerprint string, at time.Time) error {
	defer m.v.lock()()
	key := deviceKey{identityID, fingerprint}
	d, ok := m.v.s.devices[key]
	if !ok {
		return nil
	}
	d.LastUsedAt = at
	setKey(m.v, m.v.s.devices, key, d)
	return nil
}

func (m *memDevices) List(_ context.Context, identityID string) ([]TrustedDevice, error) {
	defer m.v.lock()()
	var out []TrustedDevice
	for k, d := range m.v.s.devices {
		if k.identityID == identityID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memDevices) DeleteAll(_ context.Context, identityID string) error {
	defer m.v.lock()()
	for k := range m.v.s.devices {
		if k.identityID == identityID {
			deleteKey(m.v, m.v.s.devices, k)
		}
	}
	return nil
}
