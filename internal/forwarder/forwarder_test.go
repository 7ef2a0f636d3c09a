package forwarder

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func TestRoundTripDispatchesHTTP1ToDualClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, 1, r.ProtoMajor)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, err := New(Config{}, nil)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.ProtoMajor = 1

	resp, err := f.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// A forced-H2 request to a plaintext (H2C) upstream must dispatch to
// the cleartext h2c client, never to h2Only, which always performs a
// real TLS handshake and would fail against a plaintext server.
func TestRoundTripDispatchesForcedH2ToH2CForPlaintextUpstream(t *testing.T) {
	h2s := &http2.Server{}
	srv := httptest.NewServer(h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, 2, r.ProtoMajor)
		w.WriteHeader(http.StatusOK)
	}), h2s))
	defer srv.Close()

	f, err := New(Config{}, nil)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.ProtoMajor, req.ProtoMinor, req.Proto = 2, 0, "HTTP/2.0"

	resp, err := f.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoundTripWrapsTransportErrors(t *testing.T) {
	f, err := New(Config{}, nil)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)
	require.NoError(t, err)
	req.ProtoMajor = 1

	_, err = f.RoundTrip(req)
	require.Error(t, err)
	var fetchErr *ErrFailedToFetchFromUpstream
	require.True(t, errors.As(err, &fetchErr))
}
