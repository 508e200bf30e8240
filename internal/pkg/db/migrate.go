package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Migrate applies the database schema and seeds the point rules.
// Statements are idempotent so the function can run at every boot.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: point balances
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS point_balances (
			user_id BIGINT PRIMARY KEY,
			regular_point_balance BIGINT NOT NULL DEFAULT 0,
			bonus_point_balance BIGINT NOT NULL DEFAULT 0,
			pending_point_balance BIGINT NOT NULL DEFAULT 0,
			total_point_balance BIGINT NOT NULL DEFAULT 0,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: point_balances table created")

	// Migration 2: point rules
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS point_rules (
			id BIGSERIAL PRIMARY KEY,
			rule_name VARCHAR(100) NOT NULL UNIQUE,
			rule_description TEXT NOT NULL DEFAULT '',
			event_type VARCHAR(100) NOT NULL DEFAULT '',
			target_user_type VARCHAR(50) NOT NULL DEFAULT 'self',
			transaction_type VARCHAR(50) NOT NULL,
			point_type VARCHAR(20) NOT NULL,
			point_value BIGINT NOT NULL DEFAULT 0,
			is_addition BOOLEAN NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			deduction_policy VARCHAR(30) NOT NULL DEFAULT 'bonus_first',
			pinned_transaction_type VARCHAR(50),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_point_rules_event_target
			ON point_rules(event_type, target_user_type);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: point_rules table created")

	// Migration 3: point transactions (append-only)
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS point_transactions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			rule_id BIGINT REFERENCES point_rules(id),
			transaction_type VARCHAR(50) NOT NULL,
			point_change BIGINT NOT NULL,
			point_source VARCHAR(20) NOT NULL,
			balance_after BIGINT NOT NULL,
			related_id BIGINT,
			related_table VARCHAR(50),
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_point_transactions_user_time
			ON point_transactions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_point_transactions_related
			ON point_transactions(related_table, related_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: point_transactions table created")

	// Migration 4: pending grants
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pending_grants (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			remaining BIGINT NOT NULL,
			point_source VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			rule_id BIGINT REFERENCES point_rules(id),
			related_id BIGINT,
			related_table VARCHAR(50),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			confirmed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_pending_grants_user ON pending_grants(user_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: pending_grants table created")

	// Migration 5: processed payment events (webhook dedup)
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processed_events (
			id BIGSERIAL PRIMARY KEY,
			event_id VARCHAR(64) NOT NULL UNIQUE,
			user_id BIGINT,
			transaction_id BIGINT REFERENCES point_transactions(id),
			description VARCHAR(255),
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 5: processed_events table created")

	// Migration 6: withdrawal requests
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS withdrawal_requests (
			id BIGSERIAL PRIMARY KEY,
			cast_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			regular_amount BIGINT NOT NULL DEFAULT 0,
			bonus_amount BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			approved_at TIMESTAMPTZ,
			paid_at TIMESTAMPTZ,
			rejected_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			point_transaction_id BIGINT REFERENCES point_transactions(id),
			admin_memo TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_withdrawal_requests_cast
			ON withdrawal_requests(cast_id, requested_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 6: withdrawal_requests table created")

	// Migration 7: referral tracking
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS referral_codes (
			code VARCHAR(64) PRIMARY KEY,
			user_id BIGINT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS user_invite_trackings (
			id BIGSERIAL PRIMARY KEY,
			inviter_user_id BIGINT NOT NULL,
			invited_user_id BIGINT NOT NULL UNIQUE,
			display_number INT NOT NULL,
			total_earned_point BIGINT NOT NULL DEFAULT 0,
			pending_grant_id BIGINT REFERENCES pending_grants(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_invite_trackings_inviter
			ON user_invite_trackings(inviter_user_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_invite_trackings_display
			ON user_invite_trackings(inviter_user_id, display_number);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 7: referral tables created")

	// Migration 8: one-time reservation reward guard
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS reservation_rewards (
			reservation_id BIGINT PRIMARY KEY,
			cast_id BIGINT NOT NULL,
			rewarded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 8: reservation_rewards table created")

	if err := seedRules(ctx, pool); err != nil {
		return err
	}

	log.Info().Msg("All migrations completed successfully")
	return nil
}

// seedRules inserts the named business rules the services depend on.
// Existing rows are left untouched so admin edits survive restarts.
func seedRules(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO point_rules
			(rule_name, rule_description, event_type, target_user_type,
			 transaction_type, point_type, point_value, is_addition,
			 deduction_policy, pinned_transaction_type)
		VALUES
			('purchase', 'Point purchase via payment provider', 'payment_succeeded', 'self',
			 'buyin', 'regular', 0, TRUE, 'bonus_first', 'buyin'),
			('reservation_payment', 'Point payment on reservation confirmation', 'reservation_confirmed', 'self',
			 'reservation_payment', 'regular', 0, FALSE, 'regular_only', 'deposit'),
			('cast_reward', 'Cast reward on reservation completion', 'reservation_completed', 'other',
			 'reservation_payment', 'regular', 0, TRUE, 'bonus_first', NULL),
			('referral_signup_bonus', 'Referral bonus promised at signup', 'user_registered_by_referral', 'referrer',
			 'referral_bonus_pending', 'regular', 1000, TRUE, 'bonus_first', NULL),
			('referral_milestone_bonus', 'Referral bonus confirmed on first attendance', 'referred_user_first_attendance', 'referrer',
			 'referral_bonus_completed', 'regular', 1000, TRUE, 'bonus_first', NULL)
		ON CONFLICT (rule_name) DO NOTHING;
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Point rules seeded")
	return nil
}
