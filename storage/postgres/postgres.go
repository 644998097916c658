// Package postgres provides a PostgreSQL implementation of the patronpay.Storage interface.
// Guarded mutations run as conditional updates or inside transactions with SELECT FOR UPDATE,
// and the idempotency ledger shares the transaction of the event it records.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// Storage implements patronpay.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background ledger cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies pending schema migrations in New
	AutoMigrate bool

	// Ledger cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	LedgerRetention time.Duration // How long processed event ids are kept

	Logger patronpay.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		LedgerRetention: 30 * 24 * time.Hour, // processors stop redelivering after a few days
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &patronpay.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		if err := Migrate(config.ConnectionString); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.LedgerRetention > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

var _ patronpay.Storage = (*Storage)(nil)

// Close stops the cleanup routine and closes the connection pool
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const forUpdate = " FOR UPDATE"

func (s *Storage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PutUser upserts a user (useful for testing and seeding)
func (s *Storage) PutUser(ctx context.Context, u *patronpay.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, processor_customer_id) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email,
				processor_customer_id = EXCLUDED.processor_customer_id`,
		u.ID, u.Email, u.ProcessorCustomerID)
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// PutCommissionType upserts a commission type (useful for testing and seeding)
func (s *Storage) PutCommissionType(ctx context.Context, ct *patronpay.CommissionType) error {
	if ct == nil || ct.ID == "" {
		return fmt.Errorf("invalid commission type")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO commission_types (id, creator_id, name, base_price, max_revisions, price_per_revision)
			VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric)
			ON CONFLICT (id) DO UPDATE SET creator_id = EXCLUDED.creator_id, name = EXCLUDED.name,
				base_price = EXCLUDED.base_price, max_revisions = EXCLUDED.max_revisions,
				price_per_revision = EXCLUDED.price_per_revision`,
		ct.ID, ct.CreatorID, ct.Name, ct.BasePrice.String(), ct.MaxRevisions, ct.PricePerRevision.String())
	if err != nil {
		return fmt.Errorf("failed to put commission type: %w", err)
	}
	return nil
}

// PutTier upserts a membership tier (useful for testing and seeding)
func (s *Storage) PutTier(ctx context.Context, t *patronpay.MembershipTier) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("invalid tier")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tiers (id, creator_id, name, price, processor_price_id, processor_product_id)
			VALUES ($1, $2, $3, $4::numeric, $5, $6)
			ON CONFLICT (id) DO UPDATE SET creator_id = EXCLUDED.creator_id, name = EXCLUDED.name,
				price = EXCLUDED.price, processor_price_id = EXCLUDED.processor_price_id,
				processor_product_id = EXCLUDED.processor_product_id`,
		t.ID, t.CreatorID, t.Name, t.Price.String(), t.ProcessorPriceID, t.ProcessorProductID)
	if err != nil {
		return fmt.Errorf("failed to put tier: %w", err)
	}
	return nil
}

// GetUser implements patronpay.Storage
func (s *Storage) GetUser(ctx context.Context, userID string) (*patronpay.User, error) {
	return getUser(ctx, s.pool, "id = $1", userID, "")
}

// FindUserByEmail implements patronpay.Storage
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*patronpay.User, error) {
	return findUserByEmail(ctx, s.pool, email, "")
}

// FindUserByProcessorCustomer implements patronpay.Storage
func (s *Storage) FindUserByProcessorCustomer(ctx context.Context, customerID string) (*patronpay.User, error) {
	if customerID == "" {
		return nil, patronpay.ErrNotFound
	}
	return getUser(ctx, s.pool, "processor_customer_id = $1", customerID, "")
}

// SetProcessorCustomerID implements patronpay.Storage
func (s *Storage) SetProcessorCustomerID(ctx context.Context, userID, customerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET processor_customer_id = $2 WHERE id = $1`, userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to set processor customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return patronpay.ErrNotFound
	}
	return nil
}

// GetCommissionType implements patronpay.Storage
func (s *Storage) GetCommissionType(ctx context.Context, id string) (*patronpay.CommissionType, error) {
	var (
		ct              patronpay.CommissionType
		base, perRevise string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, creator_id, name, base_price::text, max_revisions, price_per_revision::text
			FROM commission_types WHERE id = $1`, id).Scan(
		&ct.ID, &ct.CreatorID, &ct.Name, &base, &ct.MaxRevisions, &perRevise)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, patronpay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commission type: %w", err)
	}
	if ct.BasePrice, err = decimal.NewFromString(base); err != nil {
		return nil, fmt.Errorf("failed to parse base price: %w", err)
	}
	if ct.PricePerRevision, err = decimal.NewFromString(perRevise); err != nil {
		return nil, fmt.Errorf("failed to parse revision price: %w", err)
	}
	return &ct, nil
}

// CreateCommission implements patronpay.Storage
func (s *Storage) CreateCommission(ctx context.Context, c *patronpay.CommissionRequest) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid commission")
	}
	now := time.Now().UTC()
	createdAt, updatedAt := c.CreatedAt, c.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	images := c.ReferenceImages
	if images == nil {
		images = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO commissions (id, customer_id, creator_id, commission_type_id, description,
				reference_images, agreed_price, currency, payment_intent_id, status, pending_action,
				revision_count, max_revisions, price_per_revision, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14::numeric, $15, $16)`,
		c.ID, c.CustomerID, c.CreatorID, c.CommissionTypeID, c.Description,
		images, c.AgreedPrice.String(), c.Currency, c.PaymentIntentID, string(c.Status), string(c.PendingAction),
		c.RevisionCount, c.MaxRevisions, c.PricePerRevision.String(), createdAt, updatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("commission %s already exists", c.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create commission: %w", err)
	}
	return nil
}

// GetCommission implements patronpay.Storage
func (s *Storage) GetCommission(ctx context.Context, id string) (*patronpay.CommissionRequest, error) {
	return getCommission(ctx, s.pool, "id = $1", id, "")
}

// SetCommissionPaymentIntent implements patronpay.Storage
func (s *Storage) SetCommissionPaymentIntent(ctx context.Context, id, paymentIntentID string) error {
	return setCommissionPaymentIntent(ctx, s.pool, id, paymentIntentID)
}

// ClaimCommissionAction implements patronpay.Storage
func (s *Storage) ClaimCommissionAction(ctx context.Context, id string, status patronpay.CommissionStatus,
	action patronpay.PendingAction) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE commissions SET pending_action = $3, updated_at = $4
			WHERE id = $1 AND status = $2 AND pending_action = ''`,
		id, string(status), string(action), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to claim commission action: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	c, err := s.GetCommission(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: commission %s is %s with action %q in flight",
		patronpay.ErrInvalidStateTransition, id, c.Status, c.PendingAction)
}

// ReleaseCommissionAction implements patronpay.Storage
func (s *Storage) ReleaseCommissionAction(ctx context.Context, id string, action patronpay.PendingAction) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE commissions SET pending_action = '', updated_at = $3
			WHERE id = $1 AND pending_action = $2`,
		id, string(action), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to release commission action: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = s.GetCommission(ctx, id)
	return err
}

// AdvanceCommissionStatus implements patronpay.Storage
func (s *Storage) AdvanceCommissionStatus(ctx context.Context, id string,
	to patronpay.CommissionStatus) (patronpay.CommissionStatus, bool, error) {
	var (
		from    patronpay.CommissionStatus
		applied bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		from, applied, err = advanceCommission(ctx, tx, id, to)
		return err
	})
	return from, applied, err
}

// ListStaleCommissions implements patronpay.Storage
func (s *Storage) ListStaleCommissions(ctx context.Context, olderThan time.Time,
	limit int) ([]*patronpay.CommissionRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+commissionColumns+` FROM commissions
			WHERE payment_intent_id <> '' AND updated_at < $1 AND status IN ($2, $3)
			ORDER BY updated_at LIMIT NULLIF($4::int, 0)`,
		olderThan, string(patronpay.CommissionPending), string(patronpay.CommissionPaymentAuthorized), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale commissions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*patronpay.CommissionRequest, error) {
		return scanCommission(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale commissions: %w", err)
	}
	return out, nil
}

// AddFreeRevision implements patronpay.Storage
func (s *Storage) AddFreeRevision(ctx context.Context, rev *patronpay.Revision) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var count, limit int
		err := tx.QueryRow(ctx,
			`SELECT revision_count, max_revisions FROM commissions WHERE id = $1 FOR UPDATE`,
			rev.CommissionID).Scan(&count, &limit)
		if errors.Is(err, pgx.ErrNoRows) {
			return patronpay.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock commission: %w", err)
		}
		if count >= limit {
			return patronpay.ErrFreeRevisionsExhausted
		}

		if _, err := tx.Exec(ctx,
			`UPDATE commissions SET revision_count = revision_count + 1, updated_at = $2 WHERE id = $1`,
			rev.CommissionID, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to increment revision count: %w", err)
		}
		return insertRevision(ctx, tx, rev)
	})
}

// CreateRevision implements patronpay.Storage
func (s *Storage) CreateRevision(ctx context.Context, rev *patronpay.Revision) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx,
			`SELECT id FROM commissions WHERE id = $1 FOR UPDATE`, rev.CommissionID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return patronpay.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock commission: %w", err)
		}
		return insertRevision(ctx, tx, rev)
	})
}

// SetRevisionPaymentIntent implements patronpay.Storage
func (s *Storage) SetRevisionPaymentIntent(ctx context.Context, revisionID, paymentIntentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE revisions SET payment_intent_id = $2 WHERE id = $1`, revisionID, paymentIntentID)
	if err != nil {
		return fmt.Errorf("failed to set revision payment intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return patronpay.ErrNotFound
	}
	return nil
}

// ListRevisions implements patronpay.Storage
func (s *Storage) ListRevisions(ctx context.Context, commissionID string) ([]*patronpay.Revision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+revisionColumns+` FROM revisions WHERE commission_id = $1 ORDER BY number`, commissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*patronpay.Revision, error) {
		return scanRevision(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	return out, nil
}

// GetTier implements patronpay.Storage
func (s *Storage) GetTier(ctx context.Context, id string) (*patronpay.MembershipTier, error) {
	return getTier(ctx, s.pool, "id = $1", id, "")
}

// ListTiersByCreator implements patronpay.Storage
func (s *Storage) ListTiersByCreator(ctx context.Context, creatorID string) ([]*patronpay.MembershipTier, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tierColumns+` FROM tiers WHERE creator_id = $1 ORDER BY id`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*patronpay.MembershipTier, error) {
		return scanTier(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	return out, nil
}

// ListTierCreators implements patronpay.Storage
func (s *Storage) ListTierCreators(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT creator_id FROM tiers ORDER BY creator_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tier creators: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list tier creators: %w", err)
	}
	return out, nil
}

// DeleteTier implements patronpay.Storage
func (s *Storage) DeleteTier(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := getTier(ctx, tx, "id = $1", id, forUpdate); err != nil {
			return err
		}

		var active bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE tier_id = $1 AND status = $2)`,
			id, string(patronpay.SubscriptionActive)).Scan(&active); err != nil {
			return fmt.Errorf("failed to check tier subscriptions: %w", err)
		}
		if active {
			return patronpay.ErrTierHasActiveSubscriptions
		}

		if _, err := tx.Exec(ctx, `DELETE FROM tiers WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete tier: %w", err)
		}
		return nil
	})
}

// GetSubscription implements patronpay.Storage
func (s *Storage) GetSubscription(ctx context.Context, id string) (*patronpay.UserSubscription, error) {
	return getSubscription(ctx, s.pool, "id = $1", "", id)
}

// UpsertSubscription implements patronpay.Storage.
// Two callers inserting the same key race on the unique indexes; the loser retries and updates.
func (s *Storage) UpsertSubscription(ctx context.Context,
	sub *patronpay.UserSubscription) (*patronpay.UserSubscription, bool, error) {
	const attempts = 3
	var (
		saved   *patronpay.UserSubscription
		applied bool
		err     error
	)
	for i := 0; i < attempts; i++ {
		err = s.inTx(ctx, func(tx pgx.Tx) error {
			var err error
			saved, applied, err = upsertSubscription(ctx, tx, sub)
			return err
		})
		if !isUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return nil, false, err
	}
	return saved, applied, nil
}

// ListActiveSubscriptionsByUser implements patronpay.Storage
func (s *Storage) ListActiveSubscriptionsByUser(ctx context.Context,
	userID string) ([]*patronpay.UserSubscription, error) {
	return s.listSubscriptions(ctx, "user_id = $1 AND status = $2", userID, string(patronpay.SubscriptionActive))
}

// ListSubscriptionsByCreator implements patronpay.Storage
func (s *Storage) ListSubscriptionsByCreator(ctx context.Context,
	creatorID string) ([]*patronpay.UserSubscription, error) {
	return s.listSubscriptions(ctx, "creator_id = $1", creatorID)
}

// ListActiveSubscriptionsByTier implements patronpay.Storage
func (s *Storage) ListActiveSubscriptionsByTier(ctx context.Context,
	tierID string) ([]*patronpay.UserSubscription, error) {
	return s.listSubscriptions(ctx, "tier_id = $1 AND status = $2", tierID, string(patronpay.SubscriptionActive))
}

func (s *Storage) listSubscriptions(ctx context.Context, where string,
	args ...any) ([]*patronpay.UserSubscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*patronpay.UserSubscription, error) {
		return scanSubscription(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if out == nil {
		out = []*patronpay.UserSubscription{}
	}
	return out, nil
}

// ExpireLapsedSubscriptions implements patronpay.Storage
func (s *Storage) ExpireLapsedSubscriptions(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $1, updated_at = $2
			WHERE status = $3 AND cancel_at_period_end AND current_period_end <= $2`,
		string(patronpay.SubscriptionExpired), now, string(patronpay.SubscriptionActive))
	if err != nil {
		return 0, fmt.Errorf("failed to expire lapsed subscriptions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecordMismatch implements patronpay.Storage
func (s *Storage) RecordMismatch(ctx context.Context, m *patronpay.ReconciliationMismatch) error {
	return recordMismatch(ctx, s.pool, m)
}

// ListMismatches implements patronpay.Storage
func (s *Storage) ListMismatches(ctx context.Context, limit int) ([]*patronpay.ReconciliationMismatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, creator_id, tier_id, processor_subscription_id, detail, detected_at
			FROM mismatches ORDER BY detected_at DESC LIMIT NULLIF($1::int, 0)`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list mismatches: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*patronpay.ReconciliationMismatch, error) {
		var (
			m    patronpay.ReconciliationMismatch
			kind string
		)
		if err := row.Scan(&m.ID, &kind, &m.CreatorID, &m.TierID, &m.ProcessorSubscriptionID,
			&m.Detail, &m.DetectedAt); err != nil {
			return nil, err
		}
		m.Kind = patronpay.MismatchKind(kind)
		m.DetectedAt = m.DetectedAt.UTC()
		return &m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list mismatches: %w", err)
	}
	return out, nil
}

// WithEventTx implements patronpay.Storage.
// The ledger row is inserted first; a concurrent delivery of the same event blocks on the
// primary key until this transaction ends and then sees the conflict.
func (s *Storage) WithEventTx(ctx context.Context, entry patronpay.LedgerEntry,
	fn func(tx patronpay.EventTx) error) (bool, error) {
	if entry.EventID == "" {
		return false, fmt.Errorf("event id is required")
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at) VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING`,
		entry.EventID, entry.EventType, entry.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := fn(&eventTx{tx: tx}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// GetLedgerEntry implements patronpay.Storage
func (s *Storage) GetLedgerEntry(ctx context.Context, eventID string) (*patronpay.LedgerEntry, error) {
	var e patronpay.LedgerEntry
	err := s.pool.QueryRow(ctx,
		`SELECT event_id, event_type, processed_at FROM processed_events WHERE event_id = $1`,
		eventID).Scan(&e.EventID, &e.EventType, &e.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, patronpay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	e.ProcessedAt = e.ProcessedAt.UTC()
	return &e, nil
}

func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Cleanup(ctx)
			if err != nil {
				s.config.Logger.Warn("Ledger cleanup failed", patronpay.F("error", err))
				continue
			}
			if n > 0 {
				s.config.Logger.Debug("Ledger cleanup removed events", patronpay.F("count", n))
			}
		}
	}
}

// Cleanup deletes ledger entries older than the configured retention and returns how many were removed
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	if s.config.LedgerRetention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.config.LedgerRetention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// eventTx runs every read and write on the event's transaction
type eventTx struct {
	tx pgx.Tx
}

func (e *eventTx) GetUser(ctx context.Context, userID string) (*patronpay.User, error) {
	return getUser(ctx, e.tx, "id = $1", userID, forUpdate)
}

func (e *eventTx) FindUserByEmail(ctx context.Context, email string) (*patronpay.User, error) {
	return findUserByEmail(ctx, e.tx, email, forUpdate)
}

func (e *eventTx) FindUserByProcessorCustomer(ctx context.Context, customerID string) (*patronpay.User, error) {
	if customerID == "" {
		return nil, patronpay.ErrNotFound
	}
	return getUser(ctx, e.tx, "processor_customer_id = $1", customerID, forUpdate)
}

func (e *eventTx) CommissionByPaymentIntent(ctx context.Context,
	paymentIntentID string) (*patronpay.CommissionRequest, error) {
	if paymentIntentID == "" {
		return nil, patronpay.ErrNotFound
	}
	return getCommission(ctx, e.tx, "payment_intent_id = $1", paymentIntentID, forUpdate)
}

func (e *eventTx) CommissionByID(ctx context.Context, id string) (*patronpay.CommissionRequest, error) {
	return getCommission(ctx, e.tx, "id = $1", id, forUpdate)
}

func (e *eventTx) SetCommissionPaymentIntent(ctx context.Context, id, paymentIntentID string) error {
	return setCommissionPaymentIntent(ctx, e.tx, id, paymentIntentID)
}

func (e *eventTx) AdvanceCommissionStatus(ctx context.Context, id string,
	to patronpay.CommissionStatus) (patronpay.CommissionStatus, bool, error) {
	return advanceCommission(ctx, e.tx, id, to)
}

func (e *eventTx) RevisionByPaymentIntent(ctx context.Context, paymentIntentID string) (*patronpay.Revision, error) {
	if paymentIntentID == "" {
		return nil, patronpay.ErrNotFound
	}
	rev, err := scanRevision(e.tx.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM revisions WHERE payment_intent_id = $1`+forUpdate, paymentIntentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, patronpay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revision: %w", err)
	}
	return rev, nil
}

func (e *eventTx) SettleRevision(ctx context.Context, revisionID string,
	status patronpay.RevisionStatus) (bool, error) {
	var commissionID, current string
	err := e.tx.QueryRow(ctx,
		`SELECT commission_id, status FROM revisions WHERE id = $1 FOR UPDATE`, revisionID).
		Scan(&commissionID, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, patronpay.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock revision: %w", err)
	}
	if patronpay.RevisionStatus(current) != patronpay.RevisionAwaitingPayment {
		return false, nil
	}

	if _, err := e.tx.Exec(ctx,
		`UPDATE revisions SET status = $2 WHERE id = $1`, revisionID, string(status)); err != nil {
		return false, fmt.Errorf("failed to settle revision: %w", err)
	}
	if status == patronpay.RevisionPaid {
		if _, err := e.tx.Exec(ctx,
			`UPDATE commissions SET revision_count = revision_count + 1, updated_at = $2 WHERE id = $1`,
			commissionID, time.Now().UTC()); err != nil {
			return false, fmt.Errorf("failed to increment revision count: %w", err)
		}
	}
	return true, nil
}

func (e *eventTx) TierByPrice(ctx context.Context, priceID string) (*patronpay.MembershipTier, error) {
	if priceID == "" {
		return nil, patronpay.ErrNotFound
	}
	return getTier(ctx, e.tx, "processor_price_id = $1", priceID, "")
}

func (e *eventTx) SubscriptionByProcessorID(ctx context.Context,
	processorSubscriptionID string) (*patronpay.UserSubscription, error) {
	if processorSubscriptionID == "" {
		return nil, patronpay.ErrNotFound
	}
	return getSubscription(ctx, e.tx, "processor_subscription_id = $1", forUpdate, processorSubscriptionID)
}

func (e *eventTx) UpsertSubscription(ctx context.Context,
	sub *patronpay.UserSubscription) (*patronpay.UserSubscription, bool, error) {
	return upsertSubscription(ctx, e.tx, sub)
}

func (e *eventTx) RecordMismatch(ctx context.Context, m *patronpay.ReconciliationMismatch) error {
	return recordMismatch(ctx, e.tx, m)
}

const (
	commissionColumns = `id, customer_id, creator_id, commission_type_id, description, reference_images,
		agreed_price::text, currency, payment_intent_id, status, pending_action, revision_count,
		max_revisions, price_per_revision::text, created_at, updated_at`

	revisionColumns = `id, commission_id, number, notes, fee::text, payment_intent_id, status, created_at`

	tierColumns = `id, creator_id, name, price::text, processor_price_id, processor_product_id`

	subscriptionColumns = `id, user_id, creator_id, tier_id, processor_subscription_id, processor_customer_id,
		status, current_period_start, current_period_end, cancel_at_period_end, last_event_at,
		created_at, updated_at`
)

func getUser(ctx context.Context, q querier, where string, arg any, lock string) (*patronpay.User, error) {
	var u patronpay.User
	err := q.QueryRow(ctx,
		`SELECT id, email, processor_customer_id FROM users WHERE `+where+` LIMIT 1`+lock, arg).
		Scan(&u.ID, &u.Email, &u.ProcessorCustomerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, patronpay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func findUserByEmail(ctx context.Context, q querier, email, lock string) (*patronpay.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, patronpay.ErrNotFound
	}
	return getUser(ctx, q, "lower(email) = lower($1)", email, lock)
}

func scanCommission(row pgx.Row) (*patronpay.CommissionRequest, error) {
	var (
		c                     patronpay.CommissionRequest
		price, perRevision    string
		status, pendingAction string
	)
	if err := row.Scan(&c.ID, &c.CustomerID, &c.CreatorID, &c.CommissionTypeID, &c.Description,
		&c.ReferenceImages, &price, &c.Currency, &c.PaymentIntentID, &status, &pendingAction,
		&c.RevisionCount, &c.MaxRevisions, &perRevision, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if c.AgreedPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to parse agreed price: %w", err)
	}
	if c.PricePerRevision, err = decimal.NewFromString(perRevision); err != nil {
		return nil, fmt.Errorf("failed to parse revision price: %w", err)
	}
	c.Status = patronpay.CommissionStatus(status)
	c.PendingAction = patronpay.PendingAction(pendingAction)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func getCommission(ctx context.Context, q querier, where string, arg any,
	lock string) (*patronpay.CommissionRequest, error) {
	c, err := scanCommission(q.QueryRow(ctx,
		`SELECT `+commissionColumns+` FROM commissions WHERE `+where+lock, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, patronpay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commission: %w", err)
	}
	return c, nil
}

func setCommissionPaymentIntent(ctx context.Context, q querier, id, paymentIntentID string) error {
	tag, err := q.Exec(ctx,
		`UPDATE commissions SET payment_intent_id = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		id, paymentIntentID, time.Now().UTC(), string(patronpay.CommissionPending))
	if err != nil {
		return fmt.Errorf("failed to set commission payment intent: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	c, err := getCommission(ctx, q, "id = $1", id, "")
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: commission %s is %s", patronpay.ErrInvalidStateTransition, id, c.Status)
}

// advanceCommission must run inside a transaction so the row lock holds until the update.
func advanceCommission(ctx context.Context, tx pgx.Tx, id string,
	to patronpay.CommissionStatus) (patronpay.CommissionStatus, bool, error) {
	var status, paymentIntentID string
	err := tx.QueryRow(ctx,
		`SELECT status, payment_intent_id FROM commissions WHERE id = $1 FOR UPDATE`, id).
		Scan(&status, &paymentIntentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, patronpay.ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to lock commission: %w", err)
	}

	from := patronpay.CommissionStatus(status)
	if paymentIntentID == "" || !from.CanTransitionTo(to) {
		return from, false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE commissions SET status = $2, pending_action = '', updated_at = $3 WHERE id = $1`,
		id, string(to), time.Now().UTC()); err != nil {
		return from, false, fmt.Errorf("failed to advance commission: %w", err)
	}
	return from, true, nil
}

func scanRevision(row pgx.Row) (*patronpay.Revision, error) {
	var (
		rev         patronpay.Revision
		fee, status string
	)
	if err := row.Scan(&rev.ID, &rev.CommissionID, &rev.Number, &rev.Notes, &fee,
		&rev.PaymentIntentID, &status, &rev.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if rev.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("failed to parse revision fee: %w", err)
	}
	rev.Status = patronpay.RevisionStatus(status)
	rev.CreatedAt = rev.CreatedAt.UTC()
	return &rev, nil
}

// insertRevision numbers rev after the commission's existing revisions.
// The caller holds the commission row lock.
func insertRevision(ctx context.Context, tx pgx.Tx, rev *patronpay.Revision) error {
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM revisions WHERE commission_id = $1`,
		rev.CommissionID).Scan(&rev.Number); err != nil {
		return fmt.Errorf("failed to number revision: %w", err)
	}
	if rev.ID == "" {
		rev.ID = uuid.NewString()
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO revisions (id, commission_id, number, notes, fee, payment_intent_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)`,
		rev.ID, rev.CommissionID, rev.Number, rev.Notes, rev.Fee.String(), rev.PaymentIntentID,
		string(rev.Status), rev.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert revision: %w", err)
	}
	return nil
}

func scanTier(row pgx.Row) (*patronpay.MembershipTier, error) {
	var (
		t     patronpay.MembershipTier
		price string
	)
	if err := row.Scan(&t.ID, &t.CreatorID, &t.Name, &price, &t.ProcessorPriceID, &t.ProcessorProductID); err != nil {
		return nil, err
	}
	var err error
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to parse tier price: %w", err)
	}
	return &t, nil
}

func getTier(ctx context.Context, q querier, where string, arg any, lock string) (*patronpay.MembershipTier, error) {
	t, err := scanTier(q.QueryRow(ctx, `SELECT `+tierColumns+` FROM tiers WHERE `+where+lock, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, patronpay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tier: %w", err)
	}
	return t, nil
}

func scanSubscription(row pgx.Row) (*patronpay.UserSubscription, error) {
	var (
		sub    patronpay.UserSubscription
		status string
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.CreatorID, &sub.TierID, &sub.ProcessorSubscriptionID,
		&sub.ProcessorCustomerID, &status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &sub.LastEventAt, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.Status = patronpay.SubscriptionStatus(status)
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.LastEventAt = sub.LastEventAt.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func getSubscription(ctx context.Context, q querier, where, lock string,
	args ...any) (*patronpay.UserSubscription, error) {
	sub, err := scanSubscription(q.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` LIMIT 1`+lock, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, patronpay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// upsertSubscription matches by processor id, then by the active key, and inserts otherwise.
// The stored row decides through AcceptsUpdate whether the update applies.
// A row that becomes active expires any other active row with the same key.
func upsertSubscription(ctx context.Context, tx pgx.Tx,
	sub *patronpay.UserSubscription) (*patronpay.UserSubscription, bool, error) {
	now := time.Now().UTC()

	var existing *patronpay.UserSubscription
	if sub.ProcessorSubscriptionID != "" {
		found, err := getSubscription(ctx, tx, "processor_subscription_id = $1", forUpdate,
			sub.ProcessorSubscriptionID)
		if err != nil && !errors.Is(err, patronpay.ErrNotFound) {
			return nil, false, err
		}
		existing = found
	}
	if existing == nil {
		found, err := getSubscription(ctx, tx,
			"status = $1 AND user_id = $2 AND creator_id = $3 AND tier_id = $4", forUpdate,
			string(patronpay.SubscriptionActive), sub.UserID, sub.CreatorID, sub.TierID)
		if err != nil && !errors.Is(err, patronpay.ErrNotFound) {
			return nil, false, err
		}
		if found != nil && (found.ProcessorSubscriptionID == "" || sub.ProcessorSubscriptionID == "") {
			existing = found
		}
	}

	if existing != nil {
		if !existing.AcceptsUpdate(sub) {
			return existing, false, nil
		}

		row := *sub
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		row.UpdatedAt = now
		row.LastEventAt = existing.LastEventAt
		if sub.LastEventAt.After(row.LastEventAt) {
			row.LastEventAt = sub.LastEventAt
		}
		if row.ProcessorSubscriptionID == "" {
			row.ProcessorSubscriptionID = existing.ProcessorSubscriptionID
		}

		if err := supersede(ctx, tx, &row); err != nil {
			return nil, false, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE subscriptions SET user_id = $2, creator_id = $3, tier_id = $4,
					processor_subscription_id = $5, processor_customer_id = $6, status = $7,
					current_period_start = $8, current_period_end = $9, cancel_at_period_end = $10,
					last_event_at = $11, updated_at = $12
				WHERE id = $1`,
			row.ID, row.UserID, row.CreatorID, row.TierID, row.ProcessorSubscriptionID,
			row.ProcessorCustomerID, string(row.Status), row.CurrentPeriodStart, row.CurrentPeriodEnd,
			row.CancelAtPeriodEnd, row.LastEventAt, row.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("failed to update subscription: %w", err)
		}
		return &row, true, nil
	}

	row := *sub
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt = now
	row.UpdatedAt = now

	if err := supersede(ctx, tx, &row); err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO subscriptions (id, user_id, creator_id, tier_id, processor_subscription_id,
				processor_customer_id, status, current_period_start, current_period_end,
				cancel_at_period_end, last_event_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		row.ID, row.UserID, row.CreatorID, row.TierID, row.ProcessorSubscriptionID,
		row.ProcessorCustomerID, string(row.Status), row.CurrentPeriodStart, row.CurrentPeriodEnd,
		row.CancelAtPeriodEnd, row.LastEventAt, row.CreatedAt, row.UpdatedAt); err != nil {
		return nil, false, fmt.Errorf("failed to insert subscription: %w", err)
	}
	return &row, true, nil
}

// supersede expires any other active row holding the winner's (user, creator, tier) key.
// It runs before the winner is written so the active-key index never sees two rows.
func supersede(ctx context.Context, tx pgx.Tx, winner *patronpay.UserSubscription) error {
	if winner.Status != patronpay.SubscriptionActive {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE subscriptions SET status = $1, updated_at = $2
			WHERE id <> $3 AND status = $4 AND user_id = $5 AND creator_id = $6 AND tier_id = $7`,
		string(patronpay.SubscriptionExpired), winner.UpdatedAt, winner.ID,
		string(patronpay.SubscriptionActive), winner.UserID, winner.CreatorID, winner.TierID); err != nil {
		return fmt.Errorf("failed to supersede subscriptions: %w", err)
	}
	return nil
}

func recordMismatch(ctx context.Context, q querier, m *patronpay.ReconciliationMismatch) error {
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	detectedAt := m.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	_, err := q.Exec(ctx,
		`INSERT INTO mismatches (id, kind, creator_id, tier_id, processor_subscription_id, detail, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (kind, tier_id, processor_subscription_id)
			DO UPDATE SET detail = EXCLUDED.detail, detected_at = EXCLUDED.detected_at`,
		id, string(m.Kind), m.CreatorID, m.TierID, m.ProcessorSubscriptionID, m.Detail, detectedAt)
	if err != nil {
		return fmt.Errorf("failed to record mismatch: %w", err)
	}
	return nil
}
