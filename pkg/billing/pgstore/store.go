// Package pgstore implements billing.Store on PostgreSQL via pgx.
//
// Transactions use the default read-committed isolation. Transaction-scoped
// user reads take the row lock (SELECT ... FOR UPDATE), so concurrent
// reconciliation of the same user serializes at the first user read, which is
// the guarantee billing.Store.RunInTx asks for.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/subflowhq/subflow/pkg/billing"
)

// Store is the pool-backed implementation handed to the application.
type Store struct {
	pool *pgxpool.Pool
	db   dbtx
}

// dbtx is the query surface shared by *pgxpool.Pool and pgx.Tx, so the same
// query methods serve both the pooled store and its tx-scoped view.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (commandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// commandTag abstracts over pgconn.CommandTag so dbtx needs no pgconn import.
type commandTag = interface{ RowsAffected() int64 }

// New wraps an existing connection pool. The pool's lifecycle stays with the
// caller; Close it at shutdown, not here.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: poolAdapter{pool}}
}

// poolAdapter and txAdapter bridge the small signature difference between
// pgxpool and pgx command tags.
type poolAdapter struct{ pool *pgxpool.Pool }

func (a poolAdapter) Exec(ctx context.Context, sql string, args ...any) (commandTag, error) {
	tag, err := a.pool.Exec(ctx, sql, args...)
	return tag, err
}

func (a poolAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.pool.Query(ctx, sql, args...)
}

func (a poolAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.pool.QueryRow(ctx, sql, args...)
}

type txAdapter struct{ tx pgx.Tx }

func (a txAdapter) Exec(ctx context.Context, sql string, args ...any) (commandTag, error) {
	tag, err := a.tx.Exec(ctx, sql, args...)
	return tag, err
}

func (a txAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.tx.Query(ctx, sql, args...)
}

func (a txAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.tx.QueryRow(ctx, sql, args...)
}

// RunInTx executes fn inside a single database transaction. The Store passed
// to fn routes every query through the transaction connection. Nested calls
// reuse the enclosing transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx billing.Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; reuse it.
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	txStore := &Store{db: txAdapter{tx}}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID uuid.UUID) (*billing.User, error) {
	query := `SELECT id, email, user_type, credits, credits_used, created_at, updated_at
		   FROM users WHERE id = $1`
	if s.pool == nil {
		// Transaction-scoped read. The user row is the serialization point
		// for per-user reconciliation: without the lock, two concurrent
		// transitions both read the same committed credits and the second
		// commit writes a stale balance back over the first one's grant.
		query += ` FOR UPDATE`
	}
	var u billing.User
	err := s.db.QueryRow(ctx, query,
		userID).Scan(&u.ID, &u.Email, &u.UserType, &u.Credits, &u.CreditsUsed, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *Store) SaveUser(ctx context.Context, user *billing.User) error {
	if user == nil || user.ID == uuid.Nil {
		return billing.ErrInvalidUserID
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, email, user_type, credits, credits_used, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   email = EXCLUDED.email,
		   user_type = EXCLUDED.user_type,
		   credits = EXCLUDED.credits,
		   credits_used = EXCLUDED.credits_used,
		   updated_at = EXCLUDED.updated_at`,
		user.ID, user.Email, user.UserType, user.Credits, user.CreditsUsed, now, now)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *Store) UpdateUserType(ctx context.Context, userID uuid.UUID, userType billing.PlanID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET user_type = $2, updated_at = now() WHERE id = $1`,
		userID, userType)
	if err != nil {
		return fmt.Errorf("update user type: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrUserNotFound
	}
	return nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	return ids, nil
}

func (s *Store) GetSubscription(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	var sub billing.Subscription
	err := s.db.QueryRow(ctx,
		`SELECT user_id, plan_id, status, current_period_start, current_period_end,
		        cancel_at_period_end, trial_end, provider_customer_id, provider_sub_id,
		        created_at, updated_at
		   FROM subscriptions WHERE user_id = $1`,
		userID).Scan(
		&sub.UserID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &sub.TrialEnd, &sub.ProviderCustomerID, &sub.ProviderSubID,
		&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.UserID == uuid.Nil {
		return billing.ErrInvalidUserID
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx,
		`INSERT INTO subscriptions
		   (user_id, plan_id, status, current_period_start, current_period_end,
		    cancel_at_period_end, trial_end, provider_customer_id, provider_sub_id,
		    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (user_id) DO UPDATE SET
		   plan_id = EXCLUDED.plan_id,
		   status = EXCLUDED.status,
		   current_period_start = EXCLUDED.current_period_start,
		   current_period_end = EXCLUDED.current_period_end,
		   cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		   trial_end = EXCLUDED.trial_end,
		   provider_customer_id = EXCLUDED.provider_customer_id,
		   provider_sub_id = EXCLUDED.provider_sub_id,
		   updated_at = EXCLUDED.updated_at`,
		sub.UserID, sub.PlanID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.TrialEnd, sub.ProviderCustomerID, sub.ProviderSubID, now)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (s *Store) CreateTransaction(ctx context.Context, txn *billing.TokenTransaction) error {
	if txn == nil || txn.UserID == uuid.Nil {
		return billing.ErrInvalidUserID
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO token_transactions (id, user_id, credits, type, description, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txn.ID, txn.UserID, txn.Credits, txn.Type, txn.Description, txn.Reference, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (s *Store) HasTransaction(ctx context.Context, userID uuid.UUID, txnType billing.TransactionType) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_transactions WHERE user_id = $1 AND type = $2)`,
		userID, txnType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has transaction: %w", err)
	}
	return exists, nil
}

func (s *Store) HasTransactionWithReference(ctx context.Context, userID uuid.UUID, txnType billing.TransactionType, reference string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM token_transactions
		    WHERE user_id = $1 AND type = $2 AND reference = $3)`,
		userID, txnType, reference).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has transaction with reference: %w", err)
	}
	return exists, nil
}

func (s *Store) GetReferralUse(ctx context.Context, id uuid.UUID) (*billing.ReferralUse, error) {
	var use billing.ReferralUse
	err := s.db.QueryRow(ctx,
		`SELECT id, referrer_id, referred_id, referral_code, status, plan_id, created_at, completed_at
		   FROM referral_uses WHERE id = $1`,
		id).Scan(&use.ID, &use.ReferrerID, &use.ReferredID, &use.ReferralCode,
		&use.Status, &use.PlanID, &use.CreatedAt, &use.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrReferralUseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get referral use: %w", err)
	}
	return &use, nil
}

func (s *Store) FindPendingReferralUse(ctx context.Context, referredID uuid.UUID, code string) (*billing.ReferralUse, error) {
	query := `SELECT id, referrer_id, referred_id, referral_code, status, plan_id, created_at, completed_at
	            FROM referral_uses
	           WHERE referred_id = $1 AND status = $2`
	args := []any{referredID, billing.ReferralPending}
	if code != "" {
		query += ` AND referral_code = $3`
		args = append(args, code)
	}
	query += ` ORDER BY created_at LIMIT 1`

	var use billing.ReferralUse
	err := s.db.QueryRow(ctx, query, args...).Scan(
		&use.ID, &use.ReferrerID, &use.ReferredID, &use.ReferralCode,
		&use.Status, &use.PlanID, &use.CreatedAt, &use.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrReferralUseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find pending referral use: %w", err)
	}
	return &use, nil
}

func (s *Store) HasCompletedReferralUse(ctx context.Context, referredID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM referral_uses WHERE referred_id = $1 AND status = $2)`,
		referredID, billing.ReferralCompleted).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has completed referral use: %w", err)
	}
	return exists, nil
}

func (s *Store) SaveReferralUse(ctx context.Context, use *billing.ReferralUse) error {
	if use == nil || use.ID == uuid.Nil {
		return billing.ErrReferralUseNotFound
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO referral_uses
		   (id, referrer_id, referred_id, referral_code, status, plan_id, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   plan_id = EXCLUDED.plan_id,
		   completed_at = EXCLUDED.completed_at`,
		use.ID, use.ReferrerID, use.ReferredID, use.ReferralCode,
		use.Status, use.PlanID, use.CreatedAt, use.CompletedAt)
	if err != nil {
		return fmt.Errorf("save referral use: %w", err)
	}
	return nil
}
