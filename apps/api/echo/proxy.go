package echoapi

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/retryq"
)

type queuedResponse struct {
	Queued    bool   `json:"queued"`
	RequestID string `json:"request_id"`
}

// NewRemoteProxy forwards requests to the remote system through transport, replacing the
// caller's credentials with auth. Writes the transport captured for later replay answer
// 202 with the request id; other network failures answer 502.
func NewRemoteProxy(target string, transport http.RoundTripper, auth http.Header, logger core.Logger) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrap(err, "parsing remote URL")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("remote URL %q is not absolute", target)
	}

	proxy := httputil.NewSingleHostReverseProxy(u)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = u.Host
		req.Header.Del("Authorization")
		req.Header.Del(schoolHeader)
		for k, vals := range auth {
			req.Header[k] = append([]string(nil), vals...)
		}
	}
	proxy.Transport = transport
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		w.Header().Set("Content-Type", "application/json")
		if queued, ok := retryq.IsQueued(err); ok {
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(queuedResponse{Queued: true, RequestID: queued.RequestID})
			return
		}
		logger.Warn("remote proxy: "+req.Method+" "+strings.TrimPrefix(req.URL.Path, u.Path)+" failed", err)
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "remote unreachable"})
	}
	return proxy, nil
}
