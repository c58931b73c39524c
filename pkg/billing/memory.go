package billing

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for tests and local
// development. A single mutex serializes transactions, which satisfies the
// row-level isolation contract trivially; rollback is implemented by
// snapshotting state before the transaction body runs.
type MemoryStore struct {
	mu           sync.Mutex
	users        map[uuid.UUID]User
	subs         map[uuid.UUID]Subscription
	transactions []TokenTransaction
	referrals    map[uuid.UUID]ReferralUse
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[uuid.UUID]User),
		subs:      make(map[uuid.UUID]Subscription),
		referrals: make(map[uuid.UUID]ReferralUse),
	}
}

func (s *MemoryStore) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUser(userID)
}

func (s *MemoryStore) getUser(userID uuid.UUID) (*User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (s *MemoryStore) SaveUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveUser(user)
}

func (s *MemoryStore) saveUser(user *User) error {
	u := *user
	u.UpdatedAt = time.Now().UTC()
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) UpdateUserType(ctx context.Context, userID uuid.UUID, userType PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateUserType(userID, userType)
}

func (s *MemoryStore) updateUserType(userID uuid.UUID, userType PlanID) error {
	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.UserType = userType
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSubscription(userID)
}

func (s *MemoryStore) getSubscription(userID uuid.UUID) (*Subscription, error) {
	sub, ok := s.subs[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (s *MemoryStore) SaveSubscription(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSubscription(sub)
}

func (s *MemoryStore) saveSubscription(sub *Subscription) error {
	v := *sub
	v.UpdatedAt = time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = v.UpdatedAt
	}
	s.subs[v.UserID] = v
	return nil
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, txn *TokenTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createTransaction(txn)
}

func (s *MemoryStore) createTransaction(txn *TokenTransaction) error {
	t := *txn
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.transactions = append(s.transactions, t)
	return nil
}

func (s *MemoryStore) HasTransaction(ctx context.Context, userID uuid.UUID, txnType TransactionType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasTransaction(userID, txnType, ""), nil
}

func (s *MemoryStore) HasTransactionWithReference(ctx context.Context, userID uuid.UUID, txnType TransactionType, reference string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasTransaction(userID, txnType, reference), nil
}

func (s *MemoryStore) hasTransaction(userID uuid.UUID, txnType TransactionType, reference string) bool {
	for _, t := range s.transactions {
		if t.UserID != userID || t.Type != txnType {
			continue
		}
		if reference != "" && t.Reference != reference {
			continue
		}
		return true
	}
	return false
}

// Transactions returns a copy of the ledger for a user, oldest first.
// Test helper, not part of the Store interface.
func (s *MemoryStore) Transactions(userID uuid.UUID) []TokenTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TokenTransaction
	for _, t := range s.transactions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (s *MemoryStore) GetReferralUse(ctx context.Context, id uuid.UUID) (*ReferralUse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getReferralUse(id)
}

func (s *MemoryStore) getReferralUse(id uuid.UUID) (*ReferralUse, error) {
	use, ok := s.referrals[id]
	if !ok {
		return nil, ErrReferralUseNotFound
	}
	return &use, nil
}

func (s *MemoryStore) FindPendingReferralUse(ctx context.Context, referredID uuid.UUID, code string) (*ReferralUse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findPendingReferralUse(referredID, code)
}

func (s *MemoryStore) findPendingReferralUse(referredID uuid.UUID, code string) (*ReferralUse, error) {
	for _, use := range s.referrals {
		if use.ReferredID != referredID || use.Status != ReferralPending {
			continue
		}
		if code != "" && use.ReferralCode != code {
			continue
		}
		return &use, nil
	}
	return nil, ErrReferralUseNotFound
}

func (s *MemoryStore) HasCompletedReferralUse(ctx context.Context, referredID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, use := range s.referrals {
		if use.ReferredID == referredID && use.Status == ReferralCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) SaveReferralUse(ctx context.Context, use *ReferralUse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveReferralUse(use)
}

func (s *MemoryStore) saveReferralUse(use *ReferralUse) error {
	v := *use
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	s.referrals[v.ID] = v
	return nil
}

// RunInTx runs fn under the store mutex against an unlocked view and restores
// the pre-transaction snapshot when fn fails, so a handler error never leaves
// partial row updates behind.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapUsers := maps.Clone(s.users)
	snapSubs := maps.Clone(s.subs)
	snapTxns := append([]TokenTransaction(nil), s.transactions...)
	snapRefs := maps.Clone(s.referrals)

	if err := fn(ctx, &memoryTx{store: s}); err != nil {
		s.users = snapUsers
		s.subs = snapSubs
		s.transactions = snapTxns
		s.referrals = snapRefs
		return err
	}
	return nil
}

// memoryTx is the view handed to transaction bodies. The parent store's mutex
// is already held, so it dispatches to the unlocked internals.
type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	return t.store.getUser(userID)
}

func (t *memoryTx) SaveUser(ctx context.Context, user *User) error {
	return t.store.saveUser(user)
}

func (t *memoryTx) UpdateUserType(ctx context.Context, userID uuid.UUID, userType PlanID) error {
	return t.store.updateUserType(userID, userType)
}

func (t *memoryTx) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(t.store.users))
	for id := range t.store.users {
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *memoryTx) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return t.store.getSubscription(userID)
}

func (t *memoryTx) SaveSubscription(ctx context.Context, sub *Subscription) error {
	return t.store.saveSubscription(sub)
}

func (t *memoryTx) CreateTransaction(ctx context.Context, txn *TokenTransaction) error {
	return t.store.createTransaction(txn)
}

func (t *memoryTx) HasTransaction(ctx context.Context, userID uuid.UUID, txnType TransactionType) (bool, error) {
	return t.store.hasTransaction(userID, txnType, ""), nil
}

func (t *memoryTx) HasTransactionWithReference(ctx context.Context, userID uuid.UUID, txnType TransactionType, reference string) (bool, error) {
	return t.store.hasTransaction(userID, txnType, reference), nil
}

func (t *memoryTx) GetReferralUse(ctx context.Context, id uuid.UUID) (*ReferralUse, error) {
	return t.store.getReferralUse(id)
}

func (t *memoryTx) FindPendingReferralUse(ctx context.Context, referredID uuid.UUID, code string) (*ReferralUse, error) {
	return t.store.findPendingReferralUse(referredID, code)
}

func (t *memoryTx) HasCompletedReferralUse(ctx context.Context, referredID uuid.UUID) (bool, error) {
	for _, use := range t.store.referrals {
		if use.ReferredID == referredID && use.Status == ReferralCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) SaveReferralUse(ctx context.Context, use *ReferralUse) error {
	return t.store.saveReferralUse(use)
}

// Nested transactions run in the enclosing transaction.
func (t *memoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}
