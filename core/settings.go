package core

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrSettingNotFound = errors.New("setting not found")

// SettingRemoteAPIKey holds the sealed remote API key.
const SettingRemoteAPIKey = "remote.api_key"

// SettingsStore is the local key/value settings table.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string, at time.Time) error
}

// StoreSecret seals plain with the app secret key and saves it under key.
func StoreSecret(ctx context.Context, store SettingsStore, secretKey, key, plain string) error {
	sealed, err := SealSecret(secretKey, plain)
	if err != nil {
		return errors.Wrap(err, "sealing secret")
	}
	return store.PutSetting(ctx, key, sealed, time.Now().UTC())
}

// LoadSecret reads and opens a secret saved by StoreSecret.
func LoadSecret(ctx context.Context, store SettingsStore, secretKey, key string) (string, error) {
	sealed, err := store.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	return OpenSecret(secretKey, sealed)
}
