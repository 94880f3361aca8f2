package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/connectivity"
	"github.com/trezcool/feeledger/core/retryq"
	"github.com/trezcool/feeledger/core/syncer"
	"github.com/trezcool/feeledger/core/syncq"
	backupsvc "github.com/trezcool/feeledger/services/backup"
	emailsvc "github.com/trezcool/feeledger/services/email"
	logsvc "github.com/trezcool/feeledger/services/logger"
	remotesvc "github.com/trezcool/feeledger/services/remote"
	"github.com/trezcool/feeledger/storage/database"
	sqlxrepos "github.com/trezcool/feeledger/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf, "admin")

	// set up DB
	if err := database.CreateIfNotExist(conf); err != nil {
		logger.Fatal(err.Error(), err)
	}
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(err.Error(), err)
	}
	defer func() { _ = db.Close() }()
	if err = db.Ping(); err != nil {
		logger.Fatal(err.Error(), err)
	}

	settings := sqlxrepos.NewSettingsRepository(db)
	if key, kErr := core.LoadSecret(context.Background(), settings, conf.SecretKey, core.SettingRemoteAPIKey); kErr == nil {
		conf.Remote.APIKey = key
	}

	httpClient := &http.Client{Timeout: conf.Remote.Timeout}
	remote := remotesvc.NewClient(conf.Remote.BaseURL, conf.Remote.APIKey, conf.Remote.ProbeTable, httpClient)
	queue := syncq.NewManager(sqlxrepos.NewSyncQueueRepository(db), remote, logger)
	replayer := retryq.NewReplayer(sqlxrepos.NewRetryQueueRepository(db), httpClient, conf.Sync.RetentionWindow, logger)
	replayer.Authorize(remote.AuthHeaders)

	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}
	monitor := connectivity.NewMonitor(remote, conf.Sync.PollInterval, conf.Sync.ProbeTimeout, logger)
	worker := syncer.NewWorker(queue, replayer, monitor, syncer.NewMailAlerter(mailSvc, conf.Alerts.OperatorEmails, logger), conf.Sync.PollInterval, logger)

	cli := commandLine{
		conf:     conf,
		db:       db,
		worker:   worker,
		queue:    queue,
		retries:  replayer,
		settings: settings,
		out:      os.Stdout,
	}
	if conf.Backup.Bucket != "" {
		client, err := backupsvc.NewS3Client(context.Background(), conf.Backup)
		if err != nil {
			logger.Fatal(err.Error(), err)
		}
		cli.backup = backupsvc.NewService(db, conf.Database, conf.Backup, client, logger)
	}

	if err = cli.run(os.Args); err != nil {
		if err != errHelp {
			log.Printf("\nerror: %+v\n", err)
		}
		_ = db.Close()
		os.Exit(1)
	}
}
