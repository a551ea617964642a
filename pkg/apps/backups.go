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

package apps

import (
	"context"
	"sync"
	"time"

	"github.com/aixigo/prevant/pkg/models"
)

// BackupRepository stores the snapshots of parked applications. One backup
// per application; storing again replaces the previous snapshot.
type BackupRepository interface {
	// StoreBackup records the service configurations of appName.
	StoreBackup(ctx context.Context, appName models.AppName, services []models.ServiceConfig) error

	// FetchBackup returns the stored configurations and when they were
	// taken. No backup yields an empty slice.
	FetchBackup(ctx context.Context, appName models.AppName) ([]models.ServiceConfig, time.Time, error)

	// DeleteBackup removes the backup of appName, if any.
	DeleteBackup(ctx context.Context, appName models.AppName) error

	// DeleteBackupsOlderThan drops backups taken before cutoff and
	// reports how many were removed.
	DeleteBackupsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type memoryBackup struct {
	services []models.ServiceConfig
	takenAt  time.Time
}

// MemoryBackupRepository keeps backups in process memory. It pairs with the
// in-memory task queue for single process deployments.
type MemoryBackupRepository struct {
	mu      sync.Mutex
	backups map[models.AppName]memoryBackup
}

var _ BackupRepository = &MemoryBackupRepository{}

// NewMemoryBackupRepository creates an empty repository.
func NewMemoryBackupRepository() *MemoryBackupRepository {
	return &MemoryBackupRepository{backups: map[models.AppName]memoryBackup{}}
}

// StoreBackup implements BackupRepository.
func (r *MemoryBackupRepository) StoreBackup(_ context.Context, appName models.AppName, services []models.ServiceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backups[appName] = memoryBackup{
		services: append([]models.ServiceConfig(nil), services...),
		takenAt:  time.Now(),
	}
	return nil
}

// FetchBackup implements BackupRepository.
func (r *MemoryBackupRepository) FetchBackup(_ context.Context, appName models.AppName) ([]models.ServiceConfig, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	backup, ok := r.backups[appName]
	if !ok {
		return nil, time.Time{}, nil
	}
	return append([]models.ServiceConfig(nil), backup.services...), backup.takenAt, nil
}

// DeleteBackup implements BackupRepository.
func (r *MemoryBackupRepository) DeleteBackup(_ context.Context, appName models.AppName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backups, appName)
	return nil
}

// DeleteBackupsOlderThan implements BackupRepository.
func (r *MemoryBackupRepository) DeleteBackupsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for appName, backup := range r.backups {
		if backup.takenAt.Before(cutoff) {
			delete(r.backups, appName)
			removed++
		}
	}
	return removed, nil
}
