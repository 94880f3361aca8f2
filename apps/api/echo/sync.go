package echoapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/connectivity"
	"github.com/trezcool/feeledger/core/retryq"
	"github.com/trezcool/feeledger/core/syncq"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type syncApi struct {
	worker SyncWorker
	queue  SyncQueue
	lost   LostWriteLog
	conn   Connectivity
	logger core.Logger
}

type (
	connectivityRequest struct {
		Online bool `json:"online"`
	}

	connectivityResponse struct {
		State connectivity.State `json:"state"`
	}

	passResponse struct {
		Result interface{} `json:"result"`
		Error  string      `json:"error,omitempty"`
	}
)

func registerSyncAPI(g *echo.Group, jwt, wsJWT echo.MiddlewareFunc, deps ServerDeps) {
	api := syncApi{
		worker: deps.Worker,
		queue:  deps.Queue,
		lost:   deps.LostWrites,
		conn:   deps.Connectivity,
		logger: deps.Logger,
	}

	g.GET("/connectivity", api.connectivity, jwt)
	g.POST("/connectivity", api.reportConnectivity, jwt)

	sg := g.Group("/sync")
	sg.GET("/status", api.status, jwt)
	sg.GET("/ws", api.watch, wsJWT)

	ag := sg.Group("", jwt, adminMiddleware())
	ag.GET("/queue", api.queryQueue)
	ag.GET("/log", api.syncLog)
	ag.POST("/drain", api.drain)
	ag.POST("/activate", api.activate)
	ag.GET("/lost", api.lostWrites)
	ag.POST("/lost/ack", api.acknowledgeLost)
}

// Handlers

func (api *syncApi) connectivity(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, connectivityResponse{State: api.conn.State()})
}

// reportConnectivity takes the online/offline events of the client platform.
func (api *syncApi) reportConnectivity(ctx echo.Context) error {
	var data connectivityRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to connectivityRequest")
	}
	api.conn.Report(data.Online)
	return ctx.JSON(http.StatusOK, connectivityResponse{State: api.conn.State()})
}

func (api *syncApi) status(ctx echo.Context) error {
	st, err := api.worker.Status(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "reading sync status")
	}
	return ctx.JSON(http.StatusOK, st)
}

func (api *syncApi) queryQueue(ctx echo.Context) error {
	filter := new(syncq.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []syncq.Entry{})
	}
	switch ctx.QueryParam("status") {
	case "":
	case syncq.StatusPending.String():
		st := syncq.StatusPending
		filter.Status = &st
	case syncq.StatusSynced.String():
		st := syncq.StatusSynced
		filter.Status = &st
	default:
		return core.NewValidationError(nil, core.FieldError{Field: "status", Error: "must be pending or synced"})
	}

	entries, err := api.queue.Query(ctx.Request().Context(), *filter)
	if err != nil {
		return errors.Wrap(err, "querying sync queue")
	}
	if entries == nil {
		entries = []syncq.Entry{}
	}
	return ctx.JSON(http.StatusOK, entries)
}

func (api *syncApi) syncLog(ctx echo.Context) error {
	log, err := api.queue.SyncLog(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "querying sync log")
	}
	if log == nil {
		log = []syncq.LogEntry{}
	}
	return ctx.JSON(http.StatusOK, log)
}

// drain runs one pass now. An unreachable remote answers 503 with what was done.
func (api *syncApi) drain(ctx echo.Context) error {
	res, err := api.worker.Pass(ctx.Request().Context(), "manual")
	if err != nil {
		if core.IsUnreachable(err) {
			return ctx.JSON(http.StatusServiceUnavailable, passResponse{Result: res, Error: errors.Cause(err).Error()})
		}
		return errors.Wrap(err, "running sync pass")
	}
	return ctx.JSON(http.StatusOK, passResponse{Result: res})
}

func (api *syncApi) activate(ctx echo.Context) error {
	api.worker.Activate()
	return ctx.NoContent(http.StatusAccepted)
}

func (api *syncApi) lostWrites(ctx echo.Context) error {
	var since time.Time
	if param := ctx.QueryParam("since"); param != "" {
		t, err := time.Parse(time.RFC3339, param)
		if err != nil {
			return core.NewValidationError(nil, core.FieldError{Field: "since", Error: "must be an RFC 3339 timestamp"})
		}
		since = t
	}
	lost, err := api.lost.LostWrites(ctx.Request().Context(), since)
	if err != nil {
		return errors.Wrap(err, "querying lost writes")
	}
	if lost == nil {
		lost = []retryq.LostWrite{}
	}
	return ctx.JSON(http.StatusOK, lost)
}

func (api *syncApi) acknowledgeLost(ctx echo.Context) error {
	if err := api.worker.AcknowledgeLostWrites(ctx.Request().Context()); err != nil {
		return errors.Wrap(err, "acknowledging lost writes")
	}
	return api.status(ctx)
}

// watch streams the sync status over a websocket: once on connect, then after every change.
func (api *syncApi) watch(ctx echo.Context) error {
	ws, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return errors.Wrap(err, "upgrading to websocket")
	}
	defer func() { _ = ws.Close() }()

	updates, unsubscribe := api.worker.Subscribe()
	defer unsubscribe()

	// the client only ever closes; reading surfaces that
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	st, err := api.worker.Status(ctx.Request().Context())
	if err != nil {
		// the connection is hijacked: nothing more can be answered
		api.logger.Error("sync ws: reading sync status", err)
		return nil
	}
	if err = api.send(ws, st); err != nil {
		return nil
	}

	for {
		select {
		case <-closed:
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if err = api.send(ws, st); err != nil {
				api.logger.Debug("sync ws: client gone", err)
				return nil
			}
		}
	}
}

func (api *syncApi) send(ws *websocket.Conn, v interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return ws.WriteJSON(v)
}
