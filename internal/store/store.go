// Package store archives experiment records.
package store

import (
	"context"

	"github.com/MingMingbee/chatbot-experiment/internal/domain"
)

// Repository persists intake forms and completed turns. The archive is
// write-mostly research data; sessions are never rebuilt from it.
type Repository interface {
	// RecordIntake stores the accepted intake form for an instance epoch.
	// Recording the same instance epoch twice is an error.
	RecordIntake(ctx context.Context, rec domain.IntakeArchive) error

	// RecordTurn appends a completed turn.
	RecordTurn(ctx context.Context, rec domain.TurnRecord) error

	// GetIntake returns the intake recorded for an instance epoch, or nil.
	GetIntake(ctx context.Context, instanceID string, epoch int) (*domain.IntakeArchive, error)

	// ListTurns returns every turn recorded under a session key, oldest first.
	ListTurns(ctx context.Context, sessionKey string) ([]domain.TurnRecord, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
