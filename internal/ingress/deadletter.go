package ingress

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/events"
)

// DeadLetter is a parked event: the payload that exhausted its retries plus
// the error context an operator needs to replay or discard it.
type DeadLetter struct {
	ID           int64            `json:"id"`
	EventID      string           `json:"event_id"`
	EventType    events.EventType `json:"event_type"`
	PartitionKey string           `json:"partition_key"`
	Payload      []byte           `json:"-"`
	ErrorKind    string           `json:"error_kind"`
	ErrorDetail  string           `json:"error_detail"`
	Retries      int              `json:"retries"`
	ParkedAt     time.Time        `json:"parked_at"`
}

// DeadLetterRepository stores parked events in cache.db. Payloads are the
// msgpack frames of the original event data so a replay decodes losslessly.
type DeadLetterRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDeadLetterRepository creates a dead-letter repository.
func NewDeadLetterRepository(cacheDB *sql.DB, log zerolog.Logger) *DeadLetterRepository {
	return &DeadLetterRepository{
		db:  cacheDB,
		log: log.With().Str("repo", "dead_letters").Logger(),
	}
}

// Park writes a failed event with its error context.
func (r *DeadLetterRepository) Park(event *events.Event, cause error, retries int) error {
	payload, err := events.EncodePayload(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter payload: %w", err)
	}

	_, err = r.db.Exec(`INSERT INTO dead_letters
		(event_id, event_type, partition_key, payload, error_kind, error_detail, retries, parked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, string(event.Type), event.PartitionKey, payload,
		string(domain.KindOf(cause)), cause.Error(), retries,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to park event %s: %w", event.EventID, err)
	}

	r.log.Warn().
		Str("event_id", event.EventID).
		Str("event_type", string(event.Type)).
		Str("partition_key", event.PartitionKey).
		Str("error_kind", string(domain.KindOf(cause))).
		Int("retries", retries).
		Msg("Event dead-lettered")
	return nil
}

// Find returns parked events, newest first, optionally filtered by type.
func (r *DeadLetterRepository) Find(eventType events.EventType, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_id, event_type, partition_key, payload, error_kind, error_detail, retries, parked_at
		FROM dead_letters`
	args := []interface{}{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var eventType, parkedAt string
		if err := rows.Scan(&dl.ID, &dl.EventID, &eventType, &dl.PartitionKey,
			&dl.Payload, &dl.ErrorKind, &dl.ErrorDetail, &dl.Retries, &parkedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.EventType = events.EventType(eventType)
		dl.ParkedAt, _ = time.Parse(time.RFC3339Nano, parkedAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Get returns one parked event by row ID, or nil when absent.
func (r *DeadLetterRepository) Get(id int64) (*DeadLetter, error) {
	row := r.db.QueryRow(`SELECT id, event_id, event_type, partition_key, payload, error_kind, error_detail, retries, parked_at
		FROM dead_letters WHERE id = ?`, id)

	var dl DeadLetter
	var eventType, parkedAt string
	err := row.Scan(&dl.ID, &dl.EventID, &eventType, &dl.PartitionKey,
		&dl.Payload, &dl.ErrorKind, &dl.ErrorDetail, &dl.Retries, &parkedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter %d: %w", id, err)
	}
	dl.EventType = events.EventType(eventType)
	dl.ParkedAt, _ = time.Parse(time.RFC3339Nano, parkedAt)
	return &dl, nil
}

// Delete removes a parked event after a successful replay or discard.
func (r *DeadLetterRepository) Delete(id int64) error {
	res, err := r.db.Exec(`DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %d: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.E("ingress.DeadLetterRepository.Delete", domain.KindNotFound,
			fmt.Sprintf("no dead letter with id %d", id))
	}
	return nil
}

// Count returns the number of parked events.
func (r *DeadLetterRepository) Count() (int64, error) {
	var n int64
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}
