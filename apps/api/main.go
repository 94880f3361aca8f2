package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	echoapi "github.com/trezcool/feeledger/apps/api/echo"
	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/connectivity"
	"github.com/trezcool/feeledger/core/ledger"
	"github.com/trezcool/feeledger/core/retryq"
	"github.com/trezcool/feeledger/core/school"
	"github.com/trezcool/feeledger/core/syncer"
	"github.com/trezcool/feeledger/core/syncq"
	emailsvc "github.com/trezcool/feeledger/services/email"
	logsvc "github.com/trezcool/feeledger/services/logger"
	remotesvc "github.com/trezcool/feeledger/services/remote"
	"github.com/trezcool/feeledger/storage/database"
	sqlxrepos "github.com/trezcool/feeledger/storage/database/sqlx"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
		"api",
	)

	syncLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "SYNC : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
		"sync",
	)

	// set up DB
	db, err := setUpDB(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			logger.Error("Failed to close database", err)
		}
	}()

	// the remote key stored by the admin CLI wins over the environment
	settingsRepo := sqlxrepos.NewSettingsRepository(db)
	if key, kErr := core.LoadSecret(context.Background(), settingsRepo, conf.SecretKey, core.SettingRemoteAPIKey); kErr == nil {
		conf.Remote.APIKey = key
	} else if kErr != core.ErrSettingNotFound {
		logger.Warn(fmt.Sprintf("reading stored remote key: %v", kErr), kErr)
	}

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	school.InitValidators(validate, translator)
	ledger.InitValidators(validate, translator)

	_ = core.ParseEmailTemplates(logger)

	// the sync queue talks to the remote directly; proxied writes are captured on failure
	retryRepo := sqlxrepos.NewRetryQueueRepository(db)
	remote := remotesvc.NewClient(conf.Remote.BaseURL, conf.Remote.APIKey, conf.Remote.ProbeTable, &http.Client{Timeout: conf.Remote.Timeout})

	capturing := retryq.NewTransport(http.DefaultTransport, retryRepo, syncLogger)
	replayer := retryq.NewReplayer(retryRepo, &http.Client{Timeout: conf.Remote.Timeout}, conf.Sync.RetentionWindow, syncLogger)

	queue := syncq.NewManager(sqlxrepos.NewSyncQueueRepository(db), remote, syncLogger)
	schoolRepo := sqlxrepos.NewSchoolRepository(db)
	schoolSvc := school.NewService(db, schoolRepo, queue, validate, logger)
	ledgerSvc := ledger.NewService(db, sqlxrepos.NewLedgerRepository(db), schoolRepo, queue, validate, logger)

	monitor := connectivity.NewMonitor(remote, conf.Sync.PollInterval, conf.Sync.ProbeTimeout, syncLogger)
	alerter := syncer.NewMailAlerter(mailSvc, conf.Alerts.OperatorEmails, syncLogger)
	worker := syncer.NewWorker(queue, replayer, monitor, alerter, conf.Sync.PollInterval, syncLogger)
	replayer.Authorize(remote.AuthHeaders)
	capturing.OnQueued(worker.Captured)

	var proxy http.Handler
	if conf.Remote.BaseURL != "" {
		if proxy, err = echoapi.NewRemoteProxy(remote.Target(), capturing, remote.AuthHeaders(), logger); err != nil {
			logger.Fatal(fmt.Sprintf("setting up remote proxy: %v", err), err)
		}
	} else {
		logger.Warn("remote.baseURL is not set: the ledger runs local-only")
	}

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Sync

	bg, stopBg := context.WithCancel(context.Background())
	defer stopBg()

	if conf.Remote.BaseURL != "" {
		go monitor.Run(bg)
	}
	if err = worker.Start(bg); err != nil {
		logger.Fatal(fmt.Sprintf("starting sync worker: %v", err), err)
	}
	defer worker.Stop()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:         conf,
			Logger:       logger,
			SchoolSvc:    schoolSvc,
			LedgerSvc:    ledgerSvc,
			Worker:       worker,
			Queue:        queue,
			LostWrites:   replayer,
			Connectivity: monitor,
			RemoteProxy:  proxy,
			Translator:   translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Error(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Error(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(context.Background(), db.DB, conf.Database.Engine, "up"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
