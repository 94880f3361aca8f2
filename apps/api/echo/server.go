package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/connectivity"
	"github.com/trezcool/feeledger/core/ledger"
	"github.com/trezcool/feeledger/core/retryq"
	"github.com/trezcool/feeledger/core/school"
	"github.com/trezcool/feeledger/core/syncer"
	"github.com/trezcool/feeledger/core/syncq"
)

type (
	SyncWorker interface {
		Status(ctx context.Context) (syncer.Status, error)
		Pass(ctx context.Context, trigger string) (syncer.PassResult, error)
		Activate()
		Nudge()
		AcknowledgeLostWrites(ctx context.Context) error
		Subscribe() (<-chan syncer.Status, func())
	}

	SyncQueue interface {
		Query(ctx context.Context, filter syncq.QueryFilter) ([]syncq.Entry, error)
		SyncLog(ctx context.Context) ([]syncq.LogEntry, error)
	}

	LostWriteLog interface {
		LostWrites(ctx context.Context, since time.Time) ([]retryq.LostWrite, error)
	}

	Connectivity interface {
		State() connectivity.State
		Report(online bool)
	}

	ServerDeps struct {
		Conf         *core.Config
		Logger       core.Logger
		SchoolSvc    *school.Service
		LedgerSvc    *ledger.Service
		Worker       SyncWorker
		Queue        SyncQueue
		LostWrites   LostWriteLog
		Connectivity Connectivity
		// RemoteProxy forwards /v1/remote/* to the remote system; nil disables the route.
		RemoteProxy    http.Handler
		Translator     ut.Translator
		DisableReqLogs bool
	}

	Server struct {
		deps     ServerDeps
		app      *echo.Echo
		errors   chan error
		shutdown chan os.Signal
	}
)

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		deps:     deps,
		app:      echo.New(),
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *Server) setup() {
	conf := s.deps.Conf

	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.deps.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator, s.signalShutdown)
	s.app.Debug = conf.Debug

	s.app.GET("/", s.home)

	v1 := s.app.Group("/v1")
	jwt := middleware.JWTWithConfig(jwtConfig(conf.SecretKey))
	nudge := nudgeMiddleware(s.deps.Worker)

	registerSchoolAPI(v1, jwt, nudge, s.deps.SchoolSvc)
	registerLedgerAPI(v1, jwt, nudge, s.deps.LedgerSvc)
	registerSyncAPI(v1, jwt, middleware.JWTWithConfig(jwtConfig(conf.SecretKey, "query:token")), s.deps)
	if s.deps.RemoteProxy != nil {
		v1.Any("/remote/*", echo.WrapHandler(http.StripPrefix("/v1/remote", s.deps.RemoteProxy)), jwt)
	}
}

// Start blocks serving HTTP. Failures other than a graceful stop are sent to Errors.
func (s *Server) Start() {
	if err := s.app.Start(s.deps.Conf.Server.Host); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error { return s.errors }

func (s *Server) ShutdownSignal() <-chan os.Signal { return s.shutdown }

func (s *Server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	signal.Stop(s.shutdown)
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.deps.Conf.AppName+" API!")
}
