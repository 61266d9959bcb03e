package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/logger"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/mux"
)

func testSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLogger() *logger.Logger {
	cfg := logger.NewConfig()
	cfg.OutputFile = os.DevNull
	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	return log
}

const validOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=ice-ufrag:remoteufrag\r\n" +
	"a=ice-pwd:remotepasswordlongenough1234567890\r\n" +
	"a=fingerprint:sha-256 AA:BB:CC:DD\r\n" +
	"a=setup:actpass\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=mid:0\r\n" +
	"a=rtcp-mux\r\n" +
	"a=ssrc:2712847316 cname:remote-cname\r\n" +
	"a=candidate:1 1 udp 2130706431 192.0.2.5 40000 typ host\r\n"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	m := mux.New(testSlogLogger())
	s := NewServer("127.0.0.1", time.Second, m, testLogger())
	t.Cleanup(func() {
		_ = s.Stop(t.Context())
	})
	return s
}

func TestHandleWhepCreatesSessionAndReturnsAnswer(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/whep", strings.NewReader(validOffer))
	req.Header.Set("Content-Type", sdpContentType)
	rec := httptest.NewRecorder()

	s.handleWhep(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, sdpContentType, rec.Header().Get("Content-Type"))
	location := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "/whep/"))
	require.Contains(t, rec.Body.String(), "v=0")

	require.EqualValues(t, 1, s.mux.ActiveStreamsCount())
}

func TestHandleWhepRejectsMalformedOffer(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/whep", strings.NewReader("not an sdp offer"))
	rec := httptest.NewRecorder()

	s.handleWhep(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, s.mux.ActiveStreamsCount())
}

func TestHandleWhepRejectsWrongMethod(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/whep", nil)
	rec := httptest.NewRecorder()

	s.handleWhep(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleWhepResourceDeletesSession(t *testing.T) {
	s := newTestServer(t)

	createReq := httptest.NewRequest(http.MethodPost, "/whep", strings.NewReader(validOffer))
	createReq.Header.Set("Content-Type", sdpContentType)
	createRec := httptest.NewRecorder()
	s.handleWhep(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)
	location := createRec.Header().Get("Location")

	deleteReq := httptest.NewRequest(http.MethodDelete, location, nil)
	deleteRec := httptest.NewRecorder()
	s.handleWhepResource(deleteRec, deleteReq)
	require.Equal(t, http.StatusNoContent, deleteRec.Code)

	// A second delete finds nothing: the first delete already removed
	// the resource from the registry.
	deleteAgainRec := httptest.NewRecorder()
	s.handleWhepResource(deleteAgainRec, deleteReq)
	require.Equal(t, http.StatusNotFound, deleteAgainRec.Code)
}

func TestHandleWhepResourceUnknownIDReturns404(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/whep/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.handleWhepResource(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStatusReportsActiveStreamCount(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"activeStreams":0`)
}
