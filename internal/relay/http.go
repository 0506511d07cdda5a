package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/cors"

	"github.com/inviso/scenesync/internal/api"
)

// Handler returns the relay routes wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthcheck", s.healthcheck)
	mux.HandleFunc("GET /ws/{room}", s.serveWS)
	mux.HandleFunc("GET /resources/{room}/{name}", s.authorized(s.getResource))
	mux.HandleFunc("POST /resources/{room}", s.authorized(s.postResource))
	mux.HandleFunc("DELETE /rooms/{room}", s.authorized(s.deleteRoom))

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.logger.Debug("CORS configured", "allowed_origins", origins)
	return c.Handler(mux)
}

func (s *Server) healthcheck(w http.ResponseWriter, _ *http.Request) {
	st := s.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"rooms":       st.Rooms,
		"connections": st.Connections,
	})
}

// authorized checks the bearer token against the room in the path.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := r.PathValue("room")
		if !validRoom(room) {
			http.Error(w, ErrInvalidRoom.Error(), http.StatusBadRequest)
			return
		}
		if s.deps.Keys != nil {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if _, err := s.deps.Keys.Verify(token, room); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) resourcePath(room, name string) (string, error) {
	if s.cfg.ResourcesDir == "" {
		return "", errors.New("resources disabled")
	}
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid resource name %q", name)
	}
	return filepath.Join(s.cfg.ResourcesDir, room, base), nil
}

func (s *Server) getResource(w http.ResponseWriter, r *http.Request) {
	path, err := s.resourcePath(r.PathValue("room"), r.PathValue("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) postResource(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	r.Body = http.MaxBytesReader(w, r.Body, api.MaxResourceSize+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := r.FormValue("filename")
	if name == "" {
		name = header.Filename
	}
	path, err := s.resourcePath(room, name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	n, err := io.Copy(f, io.LimitReader(file, api.MaxResourceSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > api.MaxResourceSize {
		err = fmt.Errorf("resource exceeds %d bytes", api.MaxResourceSize)
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		s.logger.Warn("Resource upload failed", "room", room, "name", name, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.logger.Info("Resource stored", "room", room, "name", filepath.Base(path), "bytes", n)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) deleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteRoom(r.Context(), r.PathValue("room")); err != nil {
		s.logger.Error("Room deletion failed", "room", r.PathValue("room"), "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
