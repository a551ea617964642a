/*
Copyright 2024 The PREvant Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/aixigo/prevant/pkg/models"
)

// PostgresBackupRepository stores application snapshots next to the task
// rows so that any PREvant process can restore an application another one
// parked.
type PostgresBackupRepository struct {
	pool *pgxpool.Pool
}

// Backups returns the backup repository sharing the queue's connection
// pool. Its schema is applied together with the task schema.
func (q *PostgresQueue) Backups() *PostgresBackupRepository {
	return &PostgresBackupRepository{pool: q.pool}
}

// StoreBackup records the service configurations of appName, replacing a
// previous snapshot.
func (r *PostgresBackupRepository) StoreBackup(ctx context.Context, appName models.AppName, services []models.ServiceConfig) error {
	payload, err := json.Marshal(services)
	if err != nil {
		return errors.Wrap(err, "cannot serialize backup")
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO app_backup (app_name, services, created_at) VALUES ($1, $2, now())
		ON CONFLICT (app_name) DO UPDATE SET services = EXCLUDED.services, created_at = now()`,
		appName.String(), payload)
	return errors.Wrapf(err, "cannot store backup of %s", appName)
}

// FetchBackup returns the stored configurations and when they were taken.
func (r *PostgresBackupRepository) FetchBackup(ctx context.Context, appName models.AppName) ([]models.ServiceConfig, time.Time, error) {
	var payload []byte
	var takenAt time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT services, created_at FROM app_backup WHERE app_name = $1`,
		appName.String()).Scan(&payload, &takenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, errors.Wrapf(err, "cannot read backup of %s", appName)
	}
	var services []models.ServiceConfig
	if err := json.Unmarshal(payload, &services); err != nil {
		return nil, time.Time{}, errors.Wrapf(err, "cannot deserialize backup of %s", appName)
	}
	return services, takenAt, nil
}

// DeleteBackup removes the backup of appName.
func (r *PostgresBackupRepository) DeleteBackup(ctx context.Context, appName models.AppName) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM app_backup WHERE app_name = $1`, appName.String())
	return errors.Wrapf(err, "cannot delete backup of %s", appName)
}

// DeleteBackupsOlderThan drops backups taken before cutoff.
func (r *PostgresBackupRepository) DeleteBackupsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM app_backup WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "cannot expire backups")
	}
	return tag.RowsAffected(), nil
}
