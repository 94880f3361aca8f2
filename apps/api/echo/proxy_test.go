package echoapi_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/feeledger/apps/api/echo"
	"github.com/trezcool/feeledger/core/retryq"
	"github.com/trezcool/feeledger/core/syncer"
	"github.com/trezcool/feeledger/core/syncq"
	"github.com/trezcool/feeledger/tests"
)

type upstream struct {
	mu     sync.Mutex
	header http.Header
	path   string
	query  string
	body   string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.header, u.path, u.query, u.body = r.Header.Clone(), r.URL.Path, r.URL.RawQuery, string(body)
	u.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func proxyAuth() http.Header {
	h := make(http.Header)
	h.Set("apikey", "anon-key")
	h.Set("Authorization", "Bearer anon-key")
	return h
}

func TestNewRemoteProxy_invalidTarget(t *testing.T) {
	for _, target := range []string{"", "remote.test/rest", "://bad"} {
		_, err := echoapi.NewRemoteProxy(target, http.DefaultTransport, proxyAuth(), nil)
		assert.Error(t, err, target)
	}
}

// lazyProxy lets a test build the proxy from the fixture it is mounted on.
type lazyProxy struct{ h http.Handler }

func (p *lazyProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) { p.h.ServeHTTP(w, r) }

func TestRemoteProxy(t *testing.T) {
	t.Run("forwards with the remote credentials", func(t *testing.T) {
		up := &upstream{}
		srv := httptest.NewServer(up)
		defer srv.Close()

		proxy, err := echoapi.NewRemoteProxy(srv.URL, http.DefaultTransport, proxyAuth(), &testutil.Logger{})
		require.NoError(t, err)
		f := setup(t, withProxy(proxy))
		sch := f.createSchool(t, "Mwana")

		rec := httpTest{
			method: http.MethodPost, path: "/v1/remote/rest/v1/receipts?select=id", body: []byte(`{"n":1}`),
			token: f.bursarToken(t, sch.ID), header: http.Header{"X-School-Id": {"9"}},
		}.run(t, f.app)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

		up.mu.Lock()
		defer up.mu.Unlock()
		assert.Equal(t, "/rest/v1/receipts", up.path)
		assert.Equal(t, "select=id", up.query)
		assert.Equal(t, `{"n":1}`, up.body)
		assert.Equal(t, "Bearer anon-key", up.header.Get("Authorization"))
		assert.Equal(t, "anon-key", up.header.Get("apikey"))
		assert.Empty(t, up.header.Get("X-School-Id"))
	})

	t.Run("auth required", func(t *testing.T) {
		f := setup(t, withProxy(http.NotFoundHandler()))
		rec := httpTest{method: http.MethodPost, path: "/v1/remote/rest/v1/receipts"}.run(t, f.app)
		checkCodeAndData(t, httpTest{wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)}, rec)
	})

	t.Run("failed writes are queued", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		target := srv.URL
		srv.Close()

		lazy := &lazyProxy{}
		f := setup(t, withProxy(lazy))
		proxy, err := echoapi.NewRemoteProxy(target, retryq.NewTransport(http.DefaultTransport, f.retries, f.logger), proxyAuth(), f.logger)
		require.NoError(t, err)
		lazy.h = proxy

		sch := f.createSchool(t, "Mwana")
		token := f.bursarToken(t, sch.ID)

		rec := httpTest{method: http.MethodPost, path: "/v1/remote/rest/v1/receipts", body: []byte(`{"n":1}`), token: token}.run(t, f.app)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var queued struct {
			Queued    bool   `json:"queued"`
			RequestID string `json:"request_id"`
		}
		decode(t, rec, &queued)
		assert.True(t, queued.Queued)
		assert.NotEmpty(t, queued.RequestID)

		reqs, err := f.retries.QueryRequests(context.Background())
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Equal(t, queued.RequestID, reqs[0].RequestID)
		assert.Equal(t, http.MethodPost, reqs[0].Method)
		assert.Equal(t, target+"/rest/v1/receipts", reqs[0].URL)
		assert.Equal(t, `{"n":1}`, string(reqs[0].Body))
		assert.Empty(t, reqs[0].Header.Get("Authorization"), "the remote key is not stored with the capture")
		assert.Empty(t, reqs[0].Header.Get("apikey"))

		t.Run("reads are not queued", func(t *testing.T) {
			rec := httpTest{path: "/v1/remote/rest/v1/receipts", token: token}.run(t, f.app)
			checkCodeAndData(t, httpTest{wantCode: http.StatusBadGateway, wantData: []byte(`{"error":"remote unreachable"}`)}, rec)
		})

		t.Run("sync status counts the capture", func(t *testing.T) {
			rec := httpTest{path: "/v1/sync/status", token: token}.run(t, f.app)
			require.Equal(t, http.StatusOK, rec.Code)
			var st syncer.Status
			decode(t, rec, &st)
			assert.Equal(t, 1, st.RetryQueued)
			assert.Equal(t, syncq.StatePending, st.State)
		})
	})
}
