// Package api is spec §4.10's HTTP/WS surface: thin wiring only — no
// business logic beyond request decode/Core call/response encode (spec
// §1 explicitly scopes full route-handler behavior out). It mounts the
// REST paths of spec §6 on a go-chi/chi/v5 router and exposes a
// gorilla/websocket upgrade at /ws that pumps one vault's EventBus
// subscription to the client as JSON frames.
//
// Grounded on rclone's lib/http (chi.Router as the mountable route
// surface) and mutagen's examples/projects/docker/web-go/api/server.go
// for the cors.New(...).Handler(...) wrapping idiom.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/atomicobject/vaultd/internal/vaulterr"
	"github.com/atomicobject/vaultd/internal/vaultcore"
)

// Options configures the router's cross-cutting concerns.
type Options struct {
	// AllowedOrigins for CORS; empty means same-origin only.
	AllowedOrigins []string
}

// NewRouter builds the chi router exposing spec §6's REST surface over core.
func NewRouter(core *vaultcore.Core, opts Options) http.Handler {
	h := &handlers{core: core}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/vaults", func(r chi.Router) {
		r.Get("/", h.listVaults)
		r.Post("/", h.addVault)
		r.Route("/{vaultID}", func(r chi.Router) {
			r.Get("/", h.getVault)
			r.Delete("/", h.removeVault)
			r.Get("/files", h.listTree)
			r.Get("/files/*", h.readFile)
			r.Put("/files/*", h.writeFile)
			r.Post("/files", h.createFile)
			r.Delete("/files/*", h.deleteFile)
			r.Post("/files/move", h.moveFile)
			r.Post("/upload", h.upload)
			r.Get("/download/*", h.download)
			r.Post("/download-zip", h.downloadZip)
			r.Get("/search", h.search)
			r.Get("/random", h.random)
		})
	})
	r.Get("/ws", h.serveWS)

	var handler http.Handler = r
	if len(opts.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(handler)
	}
	return handler
}

type handlers struct {
	core *vaultcore.Core
}

// errorEnvelope is spec §6's error payload shape.
type errorEnvelope struct {
	Error              vaulterr.Kind `json:"error"`
	Message            string        `json:"message"`
	Details            any           `json:"details,omitempty"`
	RecoverySuggestion string        `json:"recovery_suggestion,omitempty"`
}

// writeError maps a vaulterr.Error onto spec §6's status-code table.
func writeError(w http.ResponseWriter, err error) {
	kind, ok := vaulterr.KindOf(err)
	if !ok {
		kind = vaulterr.Internal
	}

	status := http.StatusInternalServerError
	switch kind {
	case vaulterr.NotFound:
		status = http.StatusNotFound
	case vaulterr.InvalidInput:
		status = http.StatusBadRequest
	case vaulterr.Conflict:
		status = http.StatusConflict
	case vaulterr.Unauthorized:
		status = http.StatusUnauthorized
	case vaulterr.Forbidden:
		status = http.StatusForbidden
	case vaulterr.Io, vaulterr.Database, vaulterr.Internal:
		status = http.StatusInternalServerError
	}

	var details any
	message := err.Error()
	recovery := ""
	if ve, ok := vaulterr.AsConflict(err); ok {
		message = ve.Message
		recovery = ve.RecoverySuggestion
		details = map[string]any{
			"backup_path":  ve.BackupPath,
			"server_mtime": ve.ServerMTime,
		}
	} else if e, ok := err.(*vaulterr.Error); ok {
		recovery = e.RecoverySuggestion
		if e.Subkind == vaulterr.DiskFull {
			status = http.StatusInsufficientStorage
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: kind, Message: message, Details: details, RecoverySuggestion: recovery})
}

func (h *handlers) vaultOrNotFound(w http.ResponseWriter, r *http.Request) (*vaultcore.Vault, bool) {
	id := chi.URLParam(r, "vaultID")
	v, ok := h.core.Get(id)
	if !ok {
		writeError(w, vaulterr.New(vaulterr.NotFound, "api", "no such vault: "+id))
		return nil, false
	}
	return v, true
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsPingInterval keeps idle connections from being reaped by intermediate
// proxies during long-lived subscriptions.
const wsPingInterval = 30 * time.Second
