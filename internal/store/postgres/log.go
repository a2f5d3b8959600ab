package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/followup/internal/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS followup_log (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	fields     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS followup_log_topic_id_idx ON followup_log (topic, id);`

// LogRepo stores every topic in one table. IDs come from a single sequence,
// so they are strictly increasing within each topic.
type LogRepo struct {
	pool *pgxpool.Pool
}

func NewLogRepo(pool *pgxpool.Pool) *LogRepo {
	return &LogRepo{pool: pool}
}

func (r *LogRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("logRepo.EnsureSchema: %w", err)
	}
	return nil
}

func (r *LogRepo) Append(ctx context.Context, topic domain.Topic, fields map[string]string) (domain.LogID, error) {
	if !topic.Valid() {
		return "", fmt.Errorf("logRepo.Append: %q: %w", topic, domain.ErrUnknownTopic)
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("logRepo.Append: marshal: %w", err)
	}

	var id int64
	err = r.pool.QueryRow(ctx,
		`INSERT INTO followup_log (topic, fields) VALUES ($1, $2) RETURNING id`,
		string(topic), payload,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("logRepo.Append: %w", err)
	}

	return formatID(id), nil
}

func (r *LogRepo) ReadFrom(ctx context.Context, topic domain.Topic, cursor domain.LogID, limit int) ([]domain.Entry, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("logRepo.ReadFrom: %q: %w", topic, domain.ErrUnknownTopic)
	}
	after, err := parseID(cursor)
	if err != nil {
		return nil, fmt.Errorf("logRepo.ReadFrom: %w", err)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, fields FROM followup_log
		 WHERE topic = $1 AND id > $2
		 ORDER BY id ASC
		 LIMIT $3`,
		string(topic), after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("logRepo.ReadFrom: %w", err)
	}

	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("logRepo.ReadFrom: scan: %w", err)
	}

	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (domain.Entry, error) {
	var (
		id     int64
		fields map[string]string
	)
	if err := row.Scan(&id, &fields); err != nil {
		return domain.Entry{}, err
	}
	return domain.Entry{ID: formatID(id), Fields: fields}, nil
}

func formatID(id int64) domain.LogID {
	return domain.LogID(strconv.FormatInt(id, 10))
}

func parseID(cursor domain.LogID) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(cursor), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("cursor %q: %w", cursor, domain.ErrInvalidCursor)
	}
	return n, nil
}
