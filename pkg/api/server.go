// Package api exposes the WHEP (WebRTC-HTTP Egress Protocol) signalling
// surface: one POST creates a viewer's PeerConnection and returns the SDP
// answer, one DELETE tears it down.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/logger"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/mux"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/peer"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/sdpcodec"
)

const sdpContentType = "application/sdp"

// Server is the WHEP HTTP endpoint: it creates a PeerConnection per
// viewer, registers it with the multiplexer so it starts receiving the
// ingress stream, and tears it down on DELETE or on connection failure.
type Server struct {
	peerBindAddress string
	iceCheckTimeout time.Duration
	mux             *mux.Multiplexer
	logger          *logger.Logger
	httpServer      *http.Server

	mu    sync.Mutex
	peers map[string]*peer.PeerConnection

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a WHEP server. peerBindAddress is the local address
// each viewer's UDP socket is bound to (spec.md §4.7); iceCheckTimeout
// bounds how long a viewer's ICE agent waits for a candidate pair to
// succeed; m is the multiplexer that fans out the ingress stream to
// every registered peer.
func NewServer(peerBindAddress string, iceCheckTimeout time.Duration, m *mux.Multiplexer, log *logger.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		peerBindAddress: peerBindAddress,
		iceCheckTimeout: iceCheckTimeout,
		mux:             m,
		logger:          log,
		peers:           make(map[string]*peer.PeerConnection),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context, addr string) error {
	serveMux := http.NewServeMux()
	serveMux.HandleFunc("/whep", s.handleWhep)
	serveMux.HandleFunc("/whep/", s.handleWhepResource)
	serveMux.HandleFunc("/api/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.withCORS(s.withLogging(serveMux)),
		// Prevent resource exhaustion from slow or abandoned clients.
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully stops the HTTP server and every peer it created.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	peers := make([]*peer.PeerConnection, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.Close("server shutting down")
	}

	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleWhep creates a new viewer session from a POSTed SDP offer
// (spec.md §4.1/§4.7): it returns a 201 Created with the SDP answer and
// a Location header naming the new resource for later teardown.
func (s *Server) handleWhep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, sdpContentType) {
		http.Error(w, "content-type must be application/sdp", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	offer, err := sdpcodec.Parse("offer", string(body))
	if err != nil {
		s.logger.Warn("whep: malformed offer", "error", err)
		http.Error(w, fmt.Sprintf("malformed offer: %v", err), http.StatusBadRequest)
		return
	}

	resourceID, err := randomHex(8)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	p, err := peer.New(s.ctx, resourceID, s.peerBindAddress, s, s.logger)
	if err != nil {
		s.logger.Error("whep: failed to create peer", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if s.iceCheckTimeout > 0 {
		p.SetICECheckTimeout(s.iceCheckTimeout)
	}

	if err := p.SetRemoteDescription(offer); err != nil {
		_ = p.Close("rejected offer")
		status, msg := negotiationErrorStatus(err)
		http.Error(w, msg, status)
		return
	}

	answer, err := p.CreateAnswer(offer)
	if err != nil {
		_ = p.Close("failed to create answer")
		status, msg := negotiationErrorStatus(err)
		http.Error(w, msg, status)
		return
	}

	s.mu.Lock()
	s.peers[resourceID] = p
	s.mu.Unlock()

	s.mux.Register(p)
	s.mux.StartTransmit(resourceID)

	w.Header().Set("Content-Type", sdpContentType)
	w.Header().Set("Location", "/whep/"+resourceID)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(answer))
}

// handleWhepResource tears down a viewer session (DELETE /whep/{id}).
func (s *Server) handleWhepResource(w http.ResponseWriter, r *http.Request) {
	resourceID := strings.TrimPrefix(r.URL.Path, "/whep/")
	if resourceID == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		s.mu.Lock()
		p, ok := s.peers[resourceID]
		if ok {
			delete(s.peers, resourceID)
		}
		s.mu.Unlock()
		if !ok {
			http.Error(w, "unknown resource", http.StatusNotFound)
			return
		}
		_ = p.Close("client requested teardown")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch:
		// Trickle ICE candidates are not accepted after the initial
		// offer in this version: candidates must be inline in the SDP.
		http.Error(w, "trickle ICE not supported", http.StatusNotImplemented)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStatus reports how many viewers are currently receiving video.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fmt.Fprintf(w, `{"activeStreams":%d}`, s.mux.ActiveStreamsCount())
}

// OnConnectionStateChange implements peer.Observer.
func (s *Server) OnConnectionStateChange(peerID string, state peer.ConnectionState) {
	s.logger.Debug("peer connection state changed", "peer", peerID, "state", state.String())
}

// OnClosed implements peer.Observer: it drops the peer from the
// resource registry so a repeated DELETE returns 404 instead of closing
// an already-closed connection.
func (s *Server) OnClosed(peerID string, reason string) {
	s.logger.Info("peer closed", "peer", peerID, "reason", reason)
	s.mu.Lock()
	delete(s.peers, peerID)
	s.mu.Unlock()
}

// negotiationErrorStatus maps an sdpcodec negotiation error to the 4xx
// status spec.md §7 asks clients to see instead of a generic 500.
func negotiationErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, sdpcodec.ErrNoRemoteMedia),
		errors.Is(err, sdpcodec.ErrNoMatchingMediaType),
		errors.Is(err, sdpcodec.ErrDtlsFingerprintMissing),
		errors.Is(err, sdpcodec.ErrDtlsFingerprintDigestNotSupported),
		errors.Is(err, sdpcodec.ErrWrongSdpTypeOfferAfterOffer),
		errors.Is(err, sdpcodec.ErrDataChannelTransportNotSupported),
		errors.Is(err, sdpcodec.ErrUnsupportedTransport):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, peer.ErrAlreadyClosed):
		return http.StatusGone, err.Error()
	case errors.Is(err, peer.ErrWrongSignalingState):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusBadRequest, err.Error()
	}
}

// withCORS adds CORS headers to responses so a browser viewer served
// from a different origin can complete the WHEP exchange.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "Location")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("api: generate resource id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
