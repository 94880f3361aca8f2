package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/trezcool/feeledger/core"
)

// storeRemoteKey seals the remote API key with the app secret key and saves it locally.
func (cli *commandLine) storeRemoteKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if err := core.StoreSecret(ctx, cli.settings, cli.conf.SecretKey, core.SettingRemoteAPIKey, key); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cli.out, "remote API key stored")
	return nil
}
