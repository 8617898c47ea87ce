package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/atomicobject/vaultd/internal/fileservice"
	"github.com/atomicobject/vaultd/internal/vaulterr"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) listVaults(w http.ResponseWriter, r *http.Request) {
	vaults := h.core.List()
	type row struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Root string `json:"root_path"`
	}
	out := make([]row, 0, len(vaults))
	for _, v := range vaults {
		out = append(out, row{ID: v.ID, Name: v.Name, Root: v.Root})
	}
	writeJSON(w, out)
}

func (h *handlers) addVault(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vaulterr.New(vaulterr.InvalidInput, "api", "malformed request body"))
		return
	}
	rec, err := h.core.Registry.Add(r.Context(), body.Name, body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"id": rec.ID, "name": rec.Name, "root_path": rec.RootPath})
}

func (h *handlers) getVault(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]string{"id": v.ID, "name": v.Name, "root_path": v.Root})
}

func (h *handlers) removeVault(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "vaultID")
	if err := h.core.Registry.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listTree(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	includeHidden := r.URL.Query().Get("include_hidden") == "true"
	tree, err := v.Files.ListTree(includeHidden)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, tree)
}

func filePathParam(r *http.Request) string {
	return strings.TrimPrefix(chi.URLParam(r, "*"), "/")
}

func (h *handlers) readFile(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	result, err := v.Files.Read(filePathParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{
		"content":       result.Content,
		"modified":      result.Mtime,
		"detected_kind": result.Kind,
	}
	if result.Frontmatter != nil {
		resp["frontmatter"] = result.Frontmatter
	}
	writeJSON(w, resp)
}

func (h *handlers) writeFile(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	var body struct {
		Content      string `json:"content"`
		LastModified string `json:"last_modified"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vaulterr.New(vaulterr.InvalidInput, "api", "malformed request body"))
		return
	}
	var ifModifiedAt time.Time
	if body.LastModified != "" {
		parsed, err := time.Parse(time.RFC3339, body.LastModified)
		if err != nil {
			writeError(w, vaulterr.New(vaulterr.InvalidInput, "api", "last_modified must be RFC3339"))
			return
		}
		ifModifiedAt = parsed
	}
	mtime, err := v.Files.Write(filePathParam(r), body.Content, nil, ifModifiedAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"modified": mtime})
}

func (h *handlers) createFile(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	var body struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vaulterr.New(vaulterr.InvalidInput, "api", "malformed request body"))
		return
	}
	mtime, err := v.Files.Create(body.Path, []byte(body.Content))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{"modified": mtime})
}

func (h *handlers) deleteFile(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	if err := v.Files.Delete(filePathParam(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) moveFile(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vaulterr.New(vaulterr.InvalidInput, "api", "malformed request body"))
		return
	}
	if err := v.Files.Move(body.From, body.To); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) upload(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, vaulterr.New(vaulterr.InvalidInput, "api", "malformed multipart body"))
		return
	}
	targetDir := r.FormValue("path")

	var blobs []fileservice.NamedBlob
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			continue
		}
		blobs = append(blobs, fileservice.NamedBlob{Name: fh.Filename, Content: data})
	}

	written, errs := v.Files.Upload(targetDir, blobs)
	type failure struct {
		Name  string `json:"name"`
		Error string `json:"error"`
	}
	failures := make([]failure, 0, len(errs))
	for _, e := range errs {
		failures = append(failures, failure{Name: e.Name, Error: e.Err.Error()})
	}
	writeJSON(w, map[string]any{"written": written, "errors": failures})
}

func (h *handlers) download(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	result, err := v.Files.Read(filePathParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write([]byte(result.Content))
}

func (h *handlers) downloadZip(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	var body struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vaulterr.New(vaulterr.InvalidInput, "api", "malformed request body"))
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	if err := v.Files.DownloadZip(w, body.Paths); err != nil {
		writeError(w, err)
		return
	}
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 50)
	offset := parseIntDefault(q.Get("offset"), 0)
	results, err := v.Index.Search(q.Get("q"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, results)
}

func (h *handlers) random(w http.ResponseWriter, r *http.Request) {
	v, ok := h.vaultOrNotFound(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	pick, err := v.Files.RandomMarkdown(fileservice.Filters{
		FolderPrefix:  q.Get("folder"),
		Tag:           q.Get("tag"),
		ExcludePrefix: q.Get("exclude"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"path": pick})
}

// wsEventFrame is spec §6's /ws JSON frame shape.
type wsEventFrame struct {
	VaultID        string `json:"vault_id"`
	SequenceNumber uint64 `json:"sequence_number"`
	EventType      string `json:"event_type"`
	Path           string `json:"path,omitempty"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	DroppedCount   int    `json:"dropped_count,omitempty"`
}

func (h *handlers) serveWS(w http.ResponseWriter, r *http.Request) {
	vaultID := r.URL.Query().Get("vault_id")
	v, ok := h.core.Get(vaultID)
	if !ok {
		writeError(w, vaulterr.New(vaulterr.NotFound, "api", "no such vault: "+vaultID))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := v.Bus.Subscribe(vaultID)
	defer sub.Close()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	// readPump drains client control frames (including close) so the
	// connection's read deadline and ping/pong keepalive work; this
	// stream never expects application-level messages from the client.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			frame := wsEventFrame{
				VaultID:        evt.VaultID,
				SequenceNumber: evt.Sequence,
				EventType:      string(evt.Type),
				Path:           evt.Path,
				From:           evt.From,
				To:             evt.To,
				DroppedCount:   evt.Dropped,
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func parseIntDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
