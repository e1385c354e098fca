package shortener

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sundayezeilo/shortlink/internal/errx"
	"github.com/sundayezeilo/shortlink/internal/httpx"
)

// HTTPCreateLinkRequest represents the JSON request body for creating a link.
type HTTPCreateLinkRequest struct {
	URL           string `json:"url"`
	IsPrivate     bool   `json:"is_private,omitempty"`
	ExpiresInDays *int   `json:"expires_in_days,omitempty"`
	MaxClicks     int64  `json:"max_clicks,omitempty"`
}

// HTTPUpdateLinkRequest represents the JSON request body for updating a link.
type HTTPUpdateLinkRequest struct {
	MaxClicks *int64 `json:"max_clicks"`
}

// LinkResponse represents a link in JSON responses.
type LinkResponse struct {
	ID          string  `json:"id"`
	ShortKey    string  `json:"short_key"`
	ShortURL    string  `json:"short_url"`
	OriginalURL string  `json:"original_url"`
	IsPrivate   bool    `json:"is_private"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	MaxClicks   int64   `json:"max_clicks"`
	ClickCount  int64   `json:"click_count"`
	CreatedAt   string  `json:"created_at"`
}

// Handler provides HTTP handlers for the link service.
type Handler struct {
	service Service
	logger  *slog.Logger
	baseURL string
}

// HandlerConfig holds configuration for the handler.
type HandlerConfig struct {
	Service Service
	Logger  *slog.Logger
	BaseURL string // prefix of returned short URLs, e.g. "https://sho.rt"
}

// NewHandler creates a new Handler instance.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		service: cfg.Service,
		logger:  logger,
		baseURL: cfg.BaseURL,
	}
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With(
		"request_id", httpx.GetRequestID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
	)
}

func (h *Handler) toResponse(link Link) LinkResponse {
	resp := LinkResponse{
		ID:          link.ID.String(),
		ShortKey:    link.ShortKey,
		ShortURL:    h.baseURL + "/" + link.ShortKey,
		OriginalURL: link.OriginalURL,
		IsPrivate:   link.IsPrivate,
		MaxClicks:   link.MaxClicks,
		ClickCount:  link.ClickCount,
		CreatedAt:   link.CreatedAt.UTC().Format(time.RFC3339),
	}
	if link.ExpiresAt != nil {
		s := link.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &s
	}
	return resp
}

// CreateLink handles POST /api/links.
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	req, err := httpx.DecodeJSON[HTTPCreateLinkRequest](r)
	if err != nil {
		logger.WarnContext(ctx, "failed to decode request", "error", err.Error())
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if err := validateCreateRequest(req); err != nil {
		logger.WarnContext(ctx, "request validation failed", "error", err.Error())
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		return
	}

	link, err := h.service.Create(ctx, CreateLinkRequest{
		OriginalURL:   req.URL,
		OwnerID:       httpx.CallerID(ctx),
		IsPrivate:     req.IsPrivate,
		ExpiresInDays: req.ExpiresInDays,
		MaxClicks:     req.MaxClicks,
	})
	if err != nil {
		h.handleError(ctx, logger, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, h.toResponse(link))
}

// ResolveLink handles GET /{shortKey}. Every failure, including expired,
// private and exhausted links, is reported as 404.
func (h *Handler) ResolveLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	shortKey := r.PathValue("shortKey")

	if err := validateShortKeyFormat(shortKey); err != nil {
		writeLinkNotFound(w)
		return
	}

	res, err := h.service.Resolve(ctx, shortKey, httpx.CallerID(ctx))
	if err != nil {
		kind := errx.KindOf(err)
		attrs := []any{
			"short_key", shortKey,
			"error", err.Error(),
			"error_kind", kind,
			"operation", errx.OpOf(err),
		}
		switch kind {
		case errx.NotFound, errx.Forbidden, errx.LimitExceeded:
			h.logger.InfoContext(ctx, "link not resolved", attrs...)
		default:
			h.logger.ErrorContext(ctx, "failed to resolve link", attrs...)
		}
		writeLinkNotFound(w)
		return
	}

	h.logger.DebugContext(ctx, "link resolved",
		"short_key", shortKey,
		"click_count", res.ClickCount,
	)

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, res.Link.OriginalURL, http.StatusFound)
}

// GetLink handles GET /api/links/{shortKey}.
func (h *Handler) GetLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	link, err := h.service.Get(ctx, r.PathValue("shortKey"), httpx.CallerID(ctx))
	if err != nil {
		h.handleError(ctx, h.requestLogger(r), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.toResponse(link))
}

// UpdateLink handles PATCH /api/links/{shortKey}.
func (h *Handler) UpdateLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	req, err := httpx.DecodeJSON[HTTPUpdateLinkRequest](r)
	if err != nil {
		logger.WarnContext(ctx, "failed to decode request", "error", err.Error())
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if req.MaxClicks == nil {
		httpx.WriteError(w, http.StatusBadRequest, "validation_failed", "max_clicks is required", nil)
		return
	}

	link, err := h.service.UpdateMaxClicks(ctx, r.PathValue("shortKey"), httpx.CallerID(ctx), *req.MaxClicks)
	if err != nil {
		h.handleError(ctx, logger, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.toResponse(link))
}

// DeleteLink handles DELETE /api/links/{shortKey}.
func (h *Handler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.service.Delete(ctx, r.PathValue("shortKey"), httpx.CallerID(ctx)); err != nil {
		h.handleError(ctx, h.requestLogger(r), w, err)
		return
	}
	httpx.WriteNoContent(w)
}

func (h *Handler) handleError(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, err error) {
	kind := errx.KindOf(err)
	attrs := []any{
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
	}

	if httpx.ErrorKindToStatus(kind) >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", attrs...)
	} else {
		logger.WarnContext(ctx, "request rejected", attrs...)
	}
	httpx.WriteKindError(w, err)
}

func writeLinkNotFound(w http.ResponseWriter) {
	httpx.WriteError(w, http.StatusNotFound, "not_found", "short link doesn't exist", nil)
}

func validateCreateRequest(req HTTPCreateLinkRequest) error {
	if req.URL == "" {
		return errors.New("url is required")
	}
	return nil
}

// validateShortKeyFormat is a cheap pre-check before touching any store.
func validateShortKeyFormat(shortKey string) error {
	if shortKey == "" || len(shortKey) > MaxKeyLength {
		return errors.New("invalid short key")
	}
	for _, c := range shortKey {
		if !isAlphanumeric(c) {
			return errors.New("invalid short key")
		}
	}
	return nil
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
