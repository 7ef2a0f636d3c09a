package handler

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpxy-go/rpxy/internal/backend"
)

type stubAddr string

func (a stubAddr) Network() string { return "tcp" }
func (a stubAddr) String() string  { return string(a) }

type recordingRoundTripper struct {
	lastReq *http.Request
	resp    *http.Response
	err     error
}

func (rt *recordingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.lastReq = req
	if rt.err != nil {
		return nil, rt.err
	}
	return rt.resp, nil
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       http.NoBody,
	}
}

func buildRegistry(t *testing.T, configs []backend.AppConfig, defaultApp string) *backend.Registry {
	t.Helper()
	reg, err := backend.NewRegistry(configs, defaultApp)
	require.NoError(t, err)
	return reg
}

func baseMeta(tlsEnabled bool, sni string) RequestMeta {
	return RequestMeta{
		ClientAddr:    stubAddr("203.0.113.7:1234"),
		ListenAddr:    stubAddr("0.0.0.0:443"),
		TLSEnabled:    tlsEnabled,
		TLSServerName: sni,
	}
}

// Scenario A: plaintext request to a backend with https_redirection=true.
func TestScenarioA_HTTPSRedirection(t *testing.T) {
	reg := buildRegistry(t, []backend.AppConfig{
		{
			AppName:          "a",
			ServerName:       "a.example",
			HTTPSRedirection: true,
			Routes:           []backend.RouteConfig{{Upstreams: []string{"http://10.0.0.1:8080"}}},
		},
	}, "")

	h := NewHandler(reg, nil, nil, Config{HTTPSPort: 443})
	req := httptest.NewRequest(http.MethodGet, "http://a.example/x", nil)
	req.Host = "a.example"
	w := httptest.NewRecorder()

	h.HandleRequest(w, req, baseMeta(false, ""))

	require.Equal(t, http.StatusMovedPermanently, w.Code)
	require.Equal(t, "https://a.example/x", w.Header().Get("Location"))
}

// Scenario B: CONNECT on a TLS listener is rejected with 400.
func TestScenarioB_ConnectRejected(t *testing.T) {
	reg := buildRegistry(t, nil, "")
	h := NewHandler(reg, nil, nil, Config{})
	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = "example.com:443"
	w := httptest.NewRecorder()

	h.HandleRequest(w, req, baseMeta(true, "example.com"))

	require.Equal(t, http.StatusBadRequest, w.Code)
}

// Scenario C: SNI/Host mismatch with sni_consistency enforced -> 421.
func TestScenarioC_SNIHostMismatch(t *testing.T) {
	reg := buildRegistry(t, []backend.AppConfig{
		{AppName: "b", ServerName: "b.example", Routes: []backend.RouteConfig{{Upstreams: []string{"http://10.0.0.1:8080"}}}},
	}, "")
	h := NewHandler(reg, nil, nil, Config{SNIConsistency: true})
	req := httptest.NewRequest(http.MethodGet, "http://b.example/x", nil)
	req.Host = "b.example"
	w := httptest.NewRecorder()

	h.HandleRequest(w, req, baseMeta(true, "a.example"))

	require.Equal(t, http.StatusMisdirectedRequest, w.Code)
}

// Scenario D: Host not configured and no default app -> 503.
func TestScenarioD_NoMatchingBackendNoDefault(t *testing.T) {
	reg := buildRegistry(t, []backend.AppConfig{
		{AppName: "a", ServerName: "a.example", Routes: []backend.RouteConfig{{Upstreams: []string{"http://10.0.0.1:8080"}}}},
	}, "")
	h := NewHandler(reg, nil, nil, Config{})
	req := httptest.NewRequest(http.MethodGet, "http://c.example/x", nil)
	req.Host = "c.example"
	w := httptest.NewRecorder()

	h.HandleRequest(w, req, baseMeta(true, "c.example"))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// Scenario E: prefix /api/v1 with replace_path=/ and SetUpstreamHost;
// upstream must receive GET /users with Host set to the upstream authority.
func TestScenarioE_ReplacePathAndSetUpstreamHost(t *testing.T) {
	reg := buildRegistry(t, []backend.AppConfig{
		{
			AppName:    "e",
			ServerName: "e.example",
			Routes: []backend.RouteConfig{
				{
					Path:        "/api/v1",
					ReplacePath: "/",
					Upstreams:   []string{"http://10.0.0.1:8080"},
					Options:     []string{string(backend.OptSetUpstreamHost)},
				},
			},
		},
	}, "")

	rt := &recordingRoundTripper{resp: okResponse()}
	h := NewHandler(reg, rt, nil, Config{})

	req := httptest.NewRequest(http.MethodGet, "http://e.example/api/v1/users", nil)
	req.Host = "e.example"
	w := httptest.NewRecorder()

	h.HandleRequest(w, req, baseMeta(true, "e.example"))

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, rt.lastReq)
	require.Equal(t, "/users", rt.lastReq.URL.Path)
	require.Equal(t, "10.0.0.1:8080", rt.lastReq.Host)
}

// Scenario E variant: without SetUpstreamHost, the original Host is kept.
func TestScenarioE_KeepsOriginalHostWithoutOption(t *testing.T) {
	reg := buildRegistry(t, []backend.AppConfig{
		{
			AppName:    "e2",
			ServerName: "e2.example",
			Routes: []backend.RouteConfig{
				{Path: "/api/v1", ReplacePath: "/", Upstreams: []string{"http://10.0.0.1:8080"}},
			},
		},
	}, "")

	rt := &recordingRoundTripper{resp: okResponse()}
	h := NewHandler(reg, rt, nil, Config{})

	req := httptest.NewRequest(http.MethodGet, "http://e2.example/api/v1/users", nil)
	req.Host = "e2.example"
	w := httptest.NewRecorder()

	h.HandleRequest(w, req, baseMeta(true, "e2.example"))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "e2.example", rt.lastReq.Host)
}

// Scenario F: HTTP/2 request with a gRPC content type keeps version HTTP/2
// toward an https upstream.
func TestScenarioF_GRPCForcesHTTP2(t *testing.T) {
	reg := buildRegistry(t, []backend.AppConfig{
		{
			AppName:    "f",
			ServerName: "f.example",
			Routes:     []backend.RouteConfig{{Upstreams: []string{"https://10.0.0.1:9090"}}},
		},
	}, "")

	rt := &recordingRoundTripper{resp: okResponse()}
	h := NewHandler(reg, rt, nil, Config{})

	req := httptest.NewRequest(http.MethodPost, "http://f.example/svc.Method", nil)
	req.Host = "f.example"
	req.ProtoMajor, req.ProtoMinor, req.Proto = 2, 0, "HTTP/2.0"
	req.Header.Set("Content-Type", "application/grpc")
	w := httptest.NewRecorder()

	h.HandleRequest(w, req, baseMeta(true, "f.example"))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, rt.lastReq.ProtoMajor)
}

// gRPC's forced HTTP/2 takes precedence over a route's
// force_http11_upstream option, matching update_request_line's early
// return in utils_request.rs.
func TestScenarioF_GRPCWinsOverForceHTTP11(t *testing.T) {
	reg := buildRegistry(t, []backend.AppConfig{
		{
			AppName:    "f2",
			ServerName: "f2.example",
			Routes: []backend.RouteConfig{
				{Upstreams: []string{"https://10.0.0.1:9090"}, Options: []string{"force_http11_upstream"}},
			},
		},
	}, "")

	rt := &recordingRoundTripper{resp: okResponse()}
	h := NewHandler(reg, rt, nil, Config{})

	req := httptest.NewRequest(http.MethodPost, "http://f2.example/svc.Method", nil)
	req.Host = "f2.example"
	req.ProtoMajor, req.ProtoMinor, req.Proto = 2, 0, "HTTP/2.0"
	req.Header.Set("Content-Type", "application/grpc")
	w := httptest.NewRecorder()

	h.HandleRequest(w, req, baseMeta(true, "f2.example"))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, rt.lastReq.ProtoMajor)
}

func TestNoUpstreamCandidatesIsNotFound(t *testing.T) {
	reg := buildRegistry(t, []backend.AppConfig{
		{
			AppName:    "g",
			ServerName: "g.example",
			Routes:     []backend.RouteConfig{{Path: "/only", Upstreams: []string{"http://10.0.0.1:8080"}}},
		},
	}, "")
	h := NewHandler(reg, nil, nil, Config{})
	req := httptest.NewRequest(http.MethodGet, "http://g.example/elsewhere", nil)
	req.Host = "g.example"
	w := httptest.NewRecorder()

	h.HandleRequest(w, req, baseMeta(true, "g.example"))

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpstreamTransportFailureIsInternalServerError(t *testing.T) {
	reg := buildRegistry(t, []backend.AppConfig{
		{AppName: "h", ServerName: "h.example", Routes: []backend.RouteConfig{{Upstreams: []string{"http://10.0.0.1:8080"}}}},
	}, "")
	rt := &recordingRoundTripper{err: net.ErrClosed}
	h := NewHandler(reg, rt, nil, Config{})
	req := httptest.NewRequest(http.MethodGet, "http://h.example/x", nil)
	req.Host = "h.example"
	w := httptest.NewRecorder()

	h.HandleRequest(w, req, baseMeta(true, "h.example"))

	require.Equal(t, http.StatusInternalServerError, w.Code)
}
