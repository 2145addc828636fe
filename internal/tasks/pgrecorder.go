package tasks

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRecorder writes task outcomes to background_tasks.
type PGRecorder struct{ DB *pgxpool.Pool }

func (r *PGRecorder) Started(ctx context.Context, id, name, key string, at time.Time) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO background_tasks(id, name, task_key, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`, id, name, key, StatusRunning, at)
	return err
}

func (r *PGRecorder) Finished(ctx context.Context, id, status, errMsg string, at time.Time) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE background_tasks
		SET status = $2, error = NULLIF($3, ''), finished_at = $4
		WHERE id = $1`, id, status, errMsg, at)
	return err
}
