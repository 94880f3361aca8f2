package main

import (
	"fmt"

	echoapi "github.com/trezcool/feeledger/apps/api/echo"
)

func (cli *commandLine) token(userID, username string, schoolID int64, isAdmin bool) error {
	if username == "" {
		username = userID
	}
	claims := echoapi.NewClaims(cli.conf, userID, username, schoolID, isAdmin)
	token, err := echoapi.GenerateToken(claims, cli.conf.SecretKey)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cli.out, token)
	return nil
}
