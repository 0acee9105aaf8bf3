package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Participant is the signalling tier's view of a meeting participant: the
// relational store owns room membership; signalling only binds and clears
// the live socket id.
type Participant struct {
	ID        string
	UserID    string
	RoomID    string
	SocketID  *string
	CreatedAt time.Time
}

// ParticipantRepository reads and updates participant records.
type ParticipantRepository struct {
	db *DB
}

// NewParticipantRepository creates the repository.
func NewParticipantRepository(db *DB) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

// FindByID loads one participant.
func (r *ParticipantRepository) FindByID(ctx context.Context, id string) (*Participant, error) {
	var p Participant
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, room_id, socket_id, created_at
		FROM participants
		WHERE id = $1`, id,
	).Scan(&p.ID, &p.UserID, &p.RoomID, &p.SocketID, &p.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find participant: %w", err)
	}
	return &p, nil
}

// BindSocket records the live socket session serving a participant.
func (r *ParticipantRepository) BindSocket(ctx context.Context, participantID, socketID string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE participants SET socket_id = $2 WHERE id = $1`,
		participantID, socketID)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearSocket detaches a socket from whatever participant it served.
func (r *ParticipantRepository) ClearSocket(ctx context.Context, socketID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE participants SET socket_id = NULL WHERE socket_id = $1`,
		socketID)
	if err != nil {
		return fmt.Errorf("clear socket: %w", err)
	}
	return nil
}
