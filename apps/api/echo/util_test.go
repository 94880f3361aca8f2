package echoapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/feeledger/apps/api/echo"
	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/connectivity"
	"github.com/trezcool/feeledger/core/ledger"
	"github.com/trezcool/feeledger/core/retryq"
	"github.com/trezcool/feeledger/core/school"
	"github.com/trezcool/feeledger/core/syncer"
	"github.com/trezcool/feeledger/core/syncq"
	"github.com/trezcool/feeledger/storage/database/sqlx"
	"github.com/trezcool/feeledger/tests"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type fixture struct {
	app     *echoapi.Server
	conf    *core.Config
	schools school.Repository
	remote  *testutil.FakeRemote
	monitor *connectivity.Monitor
	worker  *syncer.Worker
	retries retryq.Repository
	logger  *testutil.Logger
}

type serverOption func(*echoapi.ServerDeps)

func withProxy(h http.Handler) serverOption {
	return func(deps *echoapi.ServerDeps) { deps.RemoteProxy = h }
}

func setup(t *testing.T, opts ...serverOption) fixture {
	t.Helper()

	// set up DB & repos
	db := testutil.PrepareDB(t)
	schoolRepo := sqlxrepos.NewSchoolRepository(db)
	retryRepo := sqlxrepos.NewRetryQueueRepository(db)

	// set up services
	conf := core.NewTestConfig()
	logger := &testutil.Logger{}
	validate, translator := testutil.NewValidator()
	remote := testutil.NewFakeRemote()

	queue := syncq.NewManager(sqlxrepos.NewSyncQueueRepository(db), remote, logger)
	replayer := retryq.NewReplayer(retryRepo, nil, conf.Sync.RetentionWindow, logger)
	monitor := connectivity.NewMonitor(remote, time.Hour, time.Second, logger)
	worker := syncer.NewWorker(queue, replayer, monitor, nil, time.Hour, logger)
	t.Cleanup(worker.Stop)

	deps := echoapi.ServerDeps{
		Conf:           conf,
		Logger:         logger,
		SchoolSvc:      school.NewService(db, schoolRepo, queue, validate, logger),
		LedgerSvc:      ledger.NewService(db, sqlxrepos.NewLedgerRepository(db), schoolRepo, queue, validate, logger),
		Worker:         worker,
		Queue:          queue,
		LostWrites:     replayer,
		Connectivity:   monitor,
		Translator:     translator,
		DisableReqLogs: true,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	// set up server
	return fixture{
		app:     echoapi.NewServer(deps),
		conf:    conf,
		schools: schoolRepo,
		remote:  remote,
		monitor: monitor,
		worker:  worker,
		retries: retryRepo,
		logger:  logger,
	}
}

func (f fixture) createSchool(t *testing.T, name string) school.School {
	t.Helper()
	sch := testutil.CreateSchool(t, f.schools, name)
	sch, err := f.schools.GetSchool(context.Background(), sch.ID)
	if err != nil {
		t.Fatalf("GetSchool() failed: %v", err)
	}
	return sch
}

func (f fixture) createStudent(t *testing.T, schoolID int64, name, grade string) school.Student {
	t.Helper()
	std := testutil.CreateStudent(t, f.schools, schoolID, name, grade)
	std, err := f.schools.GetStudent(context.Background(), schoolID, std.ID)
	if err != nil {
		t.Fatalf("GetStudent() failed: %v", err)
	}
	return std
}

// bursarToken is the token of a school operator.
func (f fixture) bursarToken(t *testing.T, schoolID int64) string {
	return getToken(t, f.conf, echoapi.NewClaims(f.conf, "u-"+strconv.FormatInt(schoolID, 10), "bursar", schoolID, false))
}

func (f fixture) adminToken(t *testing.T) string {
	return getToken(t, f.conf, echoapi.NewClaims(f.conf, "u-admin", "admin", 0, true))
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	header   http.Header
	wantCode int
	wantData []byte
}

func (tt httpTest) run(t *testing.T, app http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	method := tt.method
	if method == "" {
		method = http.MethodGet
	}
	req, rec := newAuthRequest(method, tt.path, tt.token, tt.body)
	for k, vals := range tt.header {
		req.Header[k] = vals
	}
	app.ServeHTTP(rec, req)
	return rec
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func getToken(t *testing.T, conf *core.Config, claims *echoapi.Claims) string {
	token, err := echoapi.GenerateToken(claims, conf.SecretKey)
	if err != nil {
		t.Fatalf("getToken(): %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj(): %v", err)
	}
	return data
}

func marchallList(t *testing.T, objs ...interface{}) []byte {
	if objs == nil {
		objs = []interface{}{}
	}
	data, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("marchallList(): %v", err)
	}
	return data
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, tt.wantCode, rec.Code, "body: %s", rec.Body.String())
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
