package core

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenSecret(t *testing.T) {
	sealed, err := SealSecret("app-secret", "remote-api-key")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "remote-api-key")

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	again, err := SealSecret("app-secret", "remote-api-key")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "every seal uses a fresh nonce")

	tests := []struct {
		name    string
		key     string
		sealed  string
		want    string
		wantErr bool
	}{
		{name: "right key", key: "app-secret", sealed: sealed, want: "remote-api-key"},
		{name: "wrong key", key: "other-secret", sealed: sealed, wantErr: true},
		{name: "not base64", key: "app-secret", sealed: "%%%", wantErr: true},
		{name: "too short", key: "app-secret", sealed: "c2hvcnQ=", wantErr: true},
		{name: "tampered", key: "app-secret", sealed: tampered, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OpenSecret(tt.key, tt.sealed)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
