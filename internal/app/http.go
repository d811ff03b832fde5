package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"workshelf/api/internal/export"
	"workshelf/api/internal/mode"
	"workshelf/api/internal/search"
	"workshelf/api/internal/store"
	"workshelf/api/internal/versioning"
)

const authorHeader = "X-Author-ID"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

type documentResponse struct {
	ID                   string          `json:"id"`
	Title                string          `json:"title"`
	Content              json.RawMessage `json:"content"`
	Mode                 mode.Mode       `json:"mode"`
	Visibility           mode.Visibility `json:"visibility"`
	Editable             bool            `json:"editable"`
	CurrentVersionNumber int             `json:"currentVersionNumber"`
	AuthorID             string          `json:"authorId"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

func documentPayload(doc store.Document) documentResponse {
	return documentResponse{
		ID:                   doc.ID,
		Title:                doc.Title,
		Content:              doc.Content,
		Mode:                 doc.Mode,
		Visibility:           doc.Mode.Visibility(),
		Editable:             doc.Mode.Editable(),
		CurrentVersionNumber: doc.CurrentVersionNumber,
		AuthorID:             doc.AuthorID,
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
	}
}

type contentBody struct {
	Title   string          `json:"title"`
	Content json.RawMessage `json:"content"`
	Summary string          `json:"summary"`
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	isRead := r.Method == http.MethodGet || r.Method == http.MethodHead

	if isRead && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if isRead && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if isRead && r.URL.Path == "/metrics" {
		s.service.Metrics().Handler().ServeHTTP(w, r)
		return
	}

	if isRead && r.URL.Path == "/api/modes" {
		s.handleModes(w)
		return
	}

	if isRead && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "documents" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			docs, err := s.service.ListDocuments(r.Context())
			if err != nil {
				s.fail(w, r, err)
				return
			}
			payload := make([]documentResponse, 0, len(docs))
			for _, doc := range docs {
				payload = append(payload, documentPayload(doc))
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": payload})
		case http.MethodPost:
			s.handleCreate(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	s.handleDocument(w, r, parts[2], parts)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleModes(w http.ResponseWriter) {
	graph := s.service.Graph()
	modes := make([]map[string]any, 0, len(mode.All()))
	for _, m := range mode.All() {
		modes = append(modes, map[string]any{
			"mode":       m,
			"editable":   m.Editable(),
			"visibility": m.Visibility(),
			"targets":    graph.Targets(m),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"initial":     mode.Initial,
		"modes":       modes,
		"transitions": graph.String(),
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text: strings.TrimSpace(query.Get("q")),
		Mode: strings.TrimSpace(query.Get("mode")),
	}
	if q.Mode != "" {
		m, err := mode.Parse(q.Mode)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		q.Mode = string(m)
	}
	var err error
	if q.Limit, err = queryInt(query.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
		return
	}
	if q.Offset, err = queryInt(query.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be a non-negative integer", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	author, ok := requireAuthor(w, r)
	if !ok {
		return
	}
	var body contentBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
		return
	}

	v, err := s.service.CreateDocument(r.Context(), versioning.CreateInput{
		Title:    body.Title,
		Content:  body.Content,
		AuthorID: author,
		Summary:  body.Summary,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"version": v})
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, documentID string, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		doc, err := s.service.GetDocument(r.Context(), documentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": documentPayload(doc)})
		return
	}

	if len(parts) == 3 && r.Method == http.MethodPut {
		author, ok := requireAuthor(w, r)
		if !ok {
			return
		}
		var body contentBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Title) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
			return
		}
		v, err := s.service.Save(r.Context(), documentID, versioning.SaveInput{
			Title:    body.Title,
			Content:  body.Content,
			AuthorID: author,
			Summary:  body.Summary,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": v})
		return
	}

	if len(parts) == 4 && parts[3] == "mode" && r.Method == http.MethodPost {
		author, ok := requireAuthor(w, r)
		if !ok {
			return
		}
		var body struct {
			Mode    string `json:"mode"`
			Summary string `json:"summary"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		target, err := mode.Parse(body.Mode)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		v, err := s.service.ChangeMode(r.Context(), documentID, versioning.ModeInput{
			Mode:     target,
			AuthorID: author,
			Summary:  body.Summary,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": v})
		return
	}

	if len(parts) == 4 && parts[3] == "restore" && r.Method == http.MethodPost {
		author, ok := requireAuthor(w, r)
		if !ok {
			return
		}
		var body struct {
			VersionNumber int    `json:"versionNumber"`
			Summary       string `json:"summary"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		v, err := s.service.Restore(r.Context(), documentID, versioning.RestoreInput{
			VersionNumber: body.VersionNumber,
			AuthorID:      author,
			Summary:       body.Summary,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": v})
		return
	}

	if len(parts) == 4 && parts[3] == "versions" && r.Method == http.MethodGet {
		query := r.URL.Query()
		limit, err := queryInt(query.Get("limit"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
			return
		}
		before, err := queryInt(query.Get("before"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "before must be a non-negative integer", nil)
			return
		}
		versions, err := s.service.ListVersions(r.Context(), documentID, store.Page{Limit: limit, Before: before})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if versions == nil {
			versions = []store.Version{}
		}
		payload := map[string]any{"versions": versions}
		if limit > 0 && len(versions) == limit && versions[len(versions)-1].VersionNumber > 1 {
			payload["nextBefore"] = versions[len(versions)-1].VersionNumber
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && parts[3] == "mirror" && r.Method == http.MethodGet {
		limit, err := queryInt(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
			return
		}
		mirrorLog, err := s.service.MirrorHistory(r.Context(), documentID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, mirrorLog)
		return
	}

	if len(parts) == 5 && parts[3] == "mirror" && r.Method == http.MethodGet {
		number, ok := versionParam(w, parts[4])
		if !ok {
			return
		}
		snap, err := s.service.MirrorSnapshot(r.Context(), documentID, number)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
		return
	}

	if len(parts) == 5 && parts[3] == "versions" && parts[4] == "current" && r.Method == http.MethodGet {
		v, err := s.service.GetCurrent(r.Context(), documentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": v})
		return
	}

	if len(parts) == 5 && parts[3] == "versions" && r.Method == http.MethodGet {
		number, ok := versionParam(w, parts[4])
		if !ok {
			return
		}
		v, err := s.service.GetVersion(r.Context(), documentID, number)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": v})
		return
	}

	if len(parts) == 6 && parts[3] == "versions" && parts[5] == "export" && r.Method == http.MethodGet {
		number := 0
		if parts[4] != "current" {
			var ok bool
			if number, ok = versionParam(w, parts[4]); !ok {
				return
			}
		}
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		result, err := s.service.Export(r.Context(), documentID, number, format)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

// fail maps err onto the error envelope. Unmapped errors are logged since
// the client only sees SERVER_ERROR.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func requireAuthor(w http.ResponseWriter, r *http.Request) (string, bool) {
	author := strings.TrimSpace(r.Header.Get(authorHeader))
	if author == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", authorHeader+" header is required", nil)
		return "", false
	}
	return author, true
}

func versionParam(w http.ResponseWriter, raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_VERSION", "version must be an integer", nil)
		return 0, false
	}
	return n, true
}

func queryInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	m := s.service.Metrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		m.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Author-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
