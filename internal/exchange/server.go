package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"Bitvault/internal/logger"
)

// validName restricts staged file names to a single safe path element.
var validName = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// Server is the HTTP staging exchange files travel through between clients and pillars.
type Server struct {
	addr     string       // addr is the HTTP listen address
	dir      string       // dir holds the staged files
	server   *http.Server // server is the underlying HTTP server
	listener net.Listener // listener is bound by Start
}

// NewServer creates an exchange serving files from dir.
func NewServer(addr, dir string) *Server {
	return &Server{addr: addr, dir: dir}
}

// Handler returns the HTTP routes of the exchange.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /files/{name}", s.handlePut)
	mux.HandleFunc("GET /files/{name}", s.handleGet)
	mux.HandleFunc("DELETE /files/{name}", s.handleDelete)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create exchange dir:\n%w", err)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Minute,
	}

	go func() {
		logger.Info("exchange started", "addr", ln.Addr().String(), "dir", s.dir)

		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("exchange server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handlePut stores the request body under the given name, replacing any previous file.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	path, ok := s.path(w, r)
	if !ok {
		return
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot stage file")
		return
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot stage file")
		return
	}

	logger.Debug("file staged", "name", r.PathValue("name"), "bytes", n)

	writeJSON(w, http.StatusCreated, map[string]int64{"size": n})
}

// handleGet streams a staged file.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	path, ok := s.path(w, r)
	if !ok {
		return
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "no such file")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot open file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot stat file")
		return
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// handleDelete removes a staged file. Deleting a missing file succeeds.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	path, ok := s.path(w, r)
	if !ok {
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		writeError(w, http.StatusInternalServerError, "cannot delete file")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports how many files are staged. Uploads in progress are not counted.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "exchange directory unreadable")
		return
	}

	staged := 0
	for _, e := range entries {
		if !e.IsDir() && validName.MatchString(e.Name()) {
			staged++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "staged": staged})
}

// path resolves the {name} segment, writing a 400 when it is not a plain file name.
func (s *Server) path(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("name")
	if !validName.MatchString(name) {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return "", false
	}

	return filepath.Join(s.dir, name), true
}

// writeJSON answers with data encoded as JSON.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError answers {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
