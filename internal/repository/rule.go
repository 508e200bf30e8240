package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"booking-points-service/internal/model"
)

const ruleColumns = `id, rule_name, rule_description, event_type, target_user_type,
	transaction_type, point_type, point_value, is_addition, is_active,
	deduction_policy, pinned_transaction_type, created_at, updated_at`

// RuleRepository handles point rule lookups and admin edits.
// Rules are read-mostly; lookups ride the unique index on rule_name.
type RuleRepository struct {
	pool *pgxpool.Pool
}

// NewRuleRepository creates a new RuleRepository instance.
func NewRuleRepository(pool *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{pool: pool}
}

func scanRule(row pgx.Row) (*model.PointRule, error) {
	var rule model.PointRule
	err := row.Scan(
		&rule.ID,
		&rule.RuleName,
		&rule.RuleDescription,
		&rule.EventType,
		&rule.TargetUserType,
		&rule.TransactionType,
		&rule.PointType,
		&rule.PointValue,
		&rule.IsAddition,
		&rule.IsActive,
		&rule.DeductionPolicy,
		&rule.PinnedTransactionType,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetByName retrieves a rule by its unique name.
// Returns ErrRuleNotFound if no such rule exists.
func (r *RuleRepository) GetByName(ctx context.Context, q Querier, name string) (*model.PointRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM point_rules WHERE rule_name = $1`, ruleColumns)

	rule, err := scanRule(q.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// GetByID retrieves a rule by id.
func (r *RuleRepository) GetByID(ctx context.Context, id int64) (*model.PointRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM point_rules WHERE id = $1`, ruleColumns)

	rule, err := scanRule(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// GetByEventTypeAndTarget retrieves the active rule matching an event type
// and target. Used by the referral hooks to pick the referrer/referred rule.
func (r *RuleRepository) GetByEventTypeAndTarget(ctx context.Context, q Querier, eventType, target string) (*model.PointRule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM point_rules
		WHERE event_type = $1 AND target_user_type = $2 AND is_active
		ORDER BY id
		LIMIT 1
	`, ruleColumns)

	rule, err := scanRule(q.QueryRow(ctx, query, eventType, target))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule by event: %w", err)
	}
	return rule, nil
}

// List retrieves all rules ordered by id, for the admin screen.
func (r *RuleRepository) List(ctx context.Context) ([]*model.PointRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM point_rules ORDER BY id`, ruleColumns)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.PointRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

// RulePatch holds the admin-editable rule fields. Nil fields are left as-is.
// Edits never touch already-logged transactions.
type RulePatch struct {
	RuleDescription *string
	PointValue      *int64
	IsActive        *bool
}

// Update applies a patch to a rule and returns the updated row.
func (r *RuleRepository) Update(ctx context.Context, id int64, patch RulePatch) (*model.PointRule, error) {
	query := fmt.Sprintf(`
		UPDATE point_rules
		SET rule_description = COALESCE($2, rule_description),
		    point_value = COALESCE($3, point_value),
		    is_active = COALESCE($4, is_active),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING %s
	`, ruleColumns)

	rule, err := scanRule(r.pool.QueryRow(ctx, query, id, patch.RuleDescription, patch.PointValue, patch.IsActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	return rule, nil
}
