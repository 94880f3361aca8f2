package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
)

type settingsRepository struct {
	db core.DBExecutor
}

var _ core.SettingsStore = (*settingsRepository)(nil) // interface compliance check

func NewSettingsRepository(db core.DBExecutor) *settingsRepository {
	return &settingsRepository{db: db}
}

func (repo settingsRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	if err := sqlx.GetContext(ctx, repo.db, &value, repo.db.Rebind("SELECT value FROM settings WHERE key = ?"), key); err != nil {
		return "", trapNoRowsErr(err, core.ErrSettingNotFound, "reading setting")
	}
	return value, nil
}

func (repo settingsRepository) PutSetting(ctx context.Context, key, value string, at time.Time) error {
	_, err := execAffected(ctx, repo.db,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, at.UTC())
	if err != nil {
		return errors.Wrap(err, "saving setting")
	}
	return nil
}
