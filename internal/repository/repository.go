// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Common errors for repository operations.
var (
	ErrBalanceNotFound    = errors.New("point balance not found")
	ErrRuleNotFound       = errors.New("point rule not found")
	ErrGrantNotFound      = errors.New("pending grant not found")
	ErrWithdrawalNotFound = errors.New("withdrawal request not found")
	ErrTrackingNotFound   = errors.New("invite tracking not found")
	ErrCodeNotFound       = errors.New("referral code not found")
)

// Querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx.
// Mutating repository methods take a Querier so a service can run several
// of them inside one database transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
