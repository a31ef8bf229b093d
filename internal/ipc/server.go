package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/cache"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/config"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/msl"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nfsession"
)

// shutdownGrace bounds the drain of in-flight requests on shutdown.
const shutdownGrace = time.Second

// maxLicenseChallenge caps the accepted license challenge body.
const maxLicenseChallenge = 1 << 20

// Server is the loopback HTTP server the plugin process talks to. It
// shares the long-lived session, MSL handler and cache singletons with
// every connection.
type Server struct {
	log     *zap.Logger
	session *nfsession.Session
	msl     *msl.Handler
	cache   *cache.Manager

	srv *http.Server
	ln  net.Listener
}

// NewServer binds the listener immediately so the chosen port can be
// published before Start. IPCPort 0 asks the OS for a free port.
func NewServer(
	session *nfsession.Session,
	handler *msl.Handler,
	cacheManager *cache.Manager,
	opts *config.Options,
	log *zap.Logger,
) (*Server, error) {
	addr := net.JoinHostPort(opts.IPCHost, strconv.Itoa(opts.IPCPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: bind %s: %w", addr, err)
	}

	s := &Server{
		log:     log,
		session: session,
		msl:     handler,
		cache:   cacheManager,
		ln:      ln,
	}

	r := chi.NewRouter()
	r.Use(loopbackOnly)
	r.Use(withRequestLogging(log))
	r.Get("/manifest", s.handleManifest)
	r.Post("/license", s.handleLicense)
	r.Post("/cache/{fn}", s.handleCacheRPC)
	r.Post("/nfsession/{fn}", s.handleSessionRPC)

	s.srv = &http.Server{Handler: r}
	return s, nil
}

// Addr returns the bound listen address, e.g. "127.0.0.1:38411".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the bound port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	s.log.Info("ipc: listening", zap.String("addr", s.Addr()))
	go func() {
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ipc: server stopped", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests for up to a second, then closes.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("ipc: shutdown incomplete", zap.Error(err))
	}
}

// handleManifest proxies GET /manifest?videoid= to the MSL manifest
// flow. The DRM challenge and session id ride in headers; without them
// the manifest is limited to SD profiles.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	videoID, err := queryVideoID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mpd, err := s.msl.GetManifest(r.Context(),
		videoID, r.Header.Get("challengeB64"), r.Header.Get("sessionId"))
	if err != nil {
		s.log.Error("ipc: manifest request failed",
			zap.Int64("videoID", videoID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	if _, err := w.Write(mpd); err != nil {
		// Client went away mid-response; nothing to recover.
		s.log.Debug("ipc: manifest write aborted", zap.Error(err))
	}
}

// handleLicense proxies POST /license?videoid=: raw challenge bytes in,
// raw license bytes out.
func (s *Server) handleLicense(w http.ResponseWriter, r *http.Request) {
	videoID, err := queryVideoID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	challenge, err := io.ReadAll(io.LimitReader(r.Body, maxLicenseChallenge))
	if err != nil {
		http.Error(w, "read challenge: "+err.Error(), http.StatusBadRequest)
		return
	}
	license, err := s.msl.GetLicense(r.Context(), videoID, challenge)
	if err != nil {
		s.log.Error("ipc: license request failed",
			zap.Int64("videoID", videoID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(license); err != nil {
		s.log.Debug("ipc: license write aborted", zap.Error(err))
	}
}

func queryVideoID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("videoid")
	if raw == "" {
		return 0, errors.New("missing videoid parameter")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid videoid %q", raw)
	}
	return id, nil
}
