package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zuzalu/api/internal/obs"
	"zuzalu/api/internal/search"
	"zuzalu/api/internal/store"
	"zuzalu/api/internal/threshold"
)

const (
	// multipartOverhead is the headroom allowed on top of the image size limit.
	multipartOverhead = 1 << 20
	// sessionHeader carries the reader's decryption session token.
	sessionHeader = "X-Decryption-Session"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    *ipLimiter
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, log: service.log.Named("http")}
	if service.cfg.RateLimitRPS > 0 {
		s.limiter = newIPLimiter(service.cfg.RateLimitRPS, service.cfg.RateLimitBurst)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.handle)
	h = obs.Instrument(h, routeLabel)
	if s.limiter != nil {
		h = s.limiter.wrap(h)
	}
	return s.withMiddleware(h)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		obs.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/chains" {
		items, err := s.service.Chains(r.Context())
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"chains": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/acc/validate" {
		var body struct {
			ReleaseMeta string          `json:"releaseMeta"`
			Conditions  json.RawMessage `json:"conditions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		raw := body.ReleaseMeta
		if raw == "" {
			raw = string(body.Conditions)
		}
		set, err := s.service.ValidateConditions(r.Context(), raw)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "chain": set.Chain(), "conditions": set})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/decryption/challenge" {
		var body struct {
			Chain   string `json:"chain"`
			Address string `json:"address"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		challenge, err := s.service.SignInChallenge(r.Context(), body.Chain, body.Address)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, challenge)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/decryption/session" {
		var body struct {
			Chain     string `json:"chain"`
			Message   string `json:"message"`
			Signature string `json:"signature"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		info, err := s.service.StartSession(r.Context(), body.Chain, body.Message, body.Signature)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/apps" {
		var body store.App
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpsertApp(r.Context(), body); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": strings.TrimSpace(body.ID)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/profiles" {
		var body store.Profile
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpsertProfile(r.Context(), body); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "did": strings.TrimSpace(body.DID)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/search/reindex" {
		appID := r.URL.Query().Get("app")
		if appID == "" {
			appID = s.service.cfg.DefaultAppID
		}
		count, err := s.service.ReindexApp(r.Context(), appID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"appId": appID, "indexed": count})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/media" {
		s.handleMediaUpload(w, r)
		return
	}

	if r.URL.Path == "/api/beams" {
		switch r.Method {
		case http.MethodGet:
			query := r.URL.Query()
			appID := query.Get("app")
			if appID == "" {
				appID = s.service.cfg.DefaultAppID
			}
			limit, err := queryInt(query.Get("limit"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be an integer", nil)
				return
			}
			offset, err := queryInt(query.Get("offset"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be an integer", nil)
				return
			}
			items, err := s.service.ListBeams(r.Context(), appID, limit, offset)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			var body CreateBeamInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			beam, err := s.service.CreateBeam(r.Context(), body)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, beam)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/reflections" {
		var body CreateReflectionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		reflection, err := s.service.CreateReflection(r.Context(), body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, reflection)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "beams" {
		s.handleBeam(w, r, parts[2], parts[3:])
		return
	}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "reflections" && parts[3] == "children" && r.Method == http.MethodGet {
		s.handleChildren(w, r, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleBeam(w http.ResponseWriter, r *http.Request, beamID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		beam, err := s.service.GetBeam(r.Context(), beamID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, beam)

	case len(rest) == 1 && rest[0] == "markdown" && r.Method == http.MethodGet:
		md, err := s.service.BeamMarkdown(r.Context(), beamID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, md)

	case len(rest) == 1 && rest[0] == "reflections" && r.Method == http.MethodGet:
		query := r.URL.Query()
		pagination, err := paginationFromQuery(query.Get("first"), query.Get("after"), query.Get("last"), query.Get("before"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
			return
		}
		params := ReflectionsParams{Pagination: pagination}
		switch sort := store.Sort(query.Get("sort")); sort {
		case "", store.SortNewest, store.SortOldest:
			params.Sort = sort
		default:
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "sort must be newest or oldest", nil)
			return
		}
		switch query.Get("mode") {
		case "", "top":
		case "tree":
			params.Tree = true
		default:
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "mode must be top or tree", nil)
			return
		}
		page, err := s.service.BeamReflections(r.Context(), beamID, params)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)

	case len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodGet:
		result, err := s.service.Export(r.Context(), beamID, r.URL.Query().Get("format"))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	case len(rest) == 1 && rest[0] == "active" && r.Method == http.MethodPost:
		var body struct {
			Active *bool `json:"active"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Active == nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "active is required", nil)
			return
		}
		if err := s.service.SetBeamActive(r.Context(), beamID, *body.Active); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": beamID, "active": *body.Active})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleChildren(w http.ResponseWriter, r *http.Request, reflectionID string) {
	query := r.URL.Query()
	pagination, err := paginationFromQuery(query.Get("first"), query.Get("after"), query.Get("last"), query.Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
		return
	}
	recursive := false
	if raw := query.Get("recursive"); raw != "" {
		recursive, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "recursive must be a boolean", nil)
			return
		}
	}
	page, err := s.service.ReflectionChildren(r.Context(), reflectionID, pagination, recursive)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	kind, ok := search.ParseResultType(query.Get("type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "type must be beam or reflection", nil)
		return
	}
	limit, err := queryInt(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be an integer", nil)
		return
	}
	offset, err := queryInt(query.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be an integer", nil)
		return
	}
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeJSON(w, http.StatusOK, search.Response{Results: []search.Result{}})
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		Text:        text,
		FilterType:  kind,
		FilterAppID: query.Get("app"),
		Limit:       limit,
		Offset:      offset,
	}))
}

func (s *HTTPServer) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.service.MaxUploadBytes()
	if limit <= 0 {
		writeError(w, http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Media storage not configured", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "Upload too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected a multipart form with a file field", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read upload", nil)
		return
	}
	image, err := s.service.UploadImage(r.Context(), header.Filename, data)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, image)
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request_failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		if token := strings.TrimSpace(r.Header.Get(sessionHeader)); token != "" {
			cred, err := threshold.ParseCredentialToken(token)
			if err != nil {
				s.log.Debug("session_token_ignored", zap.String("request_id", reqID), zap.Error(err))
			} else {
				ctx = WithCredential(ctx, cred)
			}
		}
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", reqID)

		next.ServeHTTP(writer, r)

		s.log.Info("http_request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
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

// routeLabel collapses entity IDs so metrics stay low-cardinality.
func routeLabel(r *http.Request) string {
	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && (parts[1] == "beams" || parts[1] == "reflections") {
		parts[2] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+sessionHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
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
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
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

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func paginationFromQuery(first, after, last, before string) (store.Pagination, error) {
	p := store.Pagination{After: after, Before: before}
	var err error
	if p.First, err = queryInt(first); err != nil || p.First < 0 {
		return store.Pagination{}, fmt.Errorf("first must be a non-negative integer")
	}
	if p.Last, err = queryInt(last); err != nil || p.Last < 0 {
		return store.Pagination{}, fmt.Errorf("last must be a non-negative integer")
	}
	return p, nil
}
