package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/notification-outbox/internal/channel"
	"github.com/example/notification-outbox/internal/common"
	"github.com/example/notification-outbox/internal/entity"
	"github.com/example/notification-outbox/internal/notification"
	"github.com/example/notification-outbox/internal/outbox"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "Latency of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

type Handler struct {
	publisher Publisher
	inbox     Inbox
	providers ProviderHealth
	tracer    trace.Tracer
	logger    zerolog.Logger
}

func NewHandler(publisher Publisher, inbox Inbox, providers ProviderHealth, logger zerolog.Logger) *Handler {
	return &Handler{
		publisher: publisher,
		inbox:     inbox,
		providers: providers,
		tracer:    otel.Tracer("api"),
		logger:    logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/v1/outbox", h.publish)
	r.Route("/v1/notifiables/{type}/{id}/notifications", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/unread-count", h.unreadCount)
		r.Post("/read-all", h.markAllRead)
	})
	r.Post("/v1/notifications/{id}/read", h.markRead)
	r.Post("/v1/notifications/{id}/unread", h.markUnread)
	r.Get("/v1/providers/{channel}/health", h.providerHealth)
	return r
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		reqCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
		requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "publish")
	defer span.End()

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(req); err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}

	channels := make([]channel.Channel, len(req.Channels))
	for i, name := range req.Channels {
		channels[i] = channel.Channel(name)
	}
	entry, duplicate, err := h.publisher.Publish(ctx, outbox.PublishRequest{
		EventType:  req.EventType,
		Notifiable: req.Notifiable,
		Channels:   channels,
		Payload:    req.Payload,
		Entity:     req.Entity,
		DedupeKey:  r.Header.Get("x-idempotency-key"),
		Delay:      time.Duration(req.DelaySeconds) * time.Second,
	})
	var perr *outbox.PublishError
	if errors.As(err, &perr) {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	span.SetAttributes(attribute.String("outbox.id", entry.ID), attribute.Bool("outbox.duplicate", duplicate))

	if duplicate {
		respondJSON(w, http.StatusOK, PublishResponse{OutboxID: entry.ID, Status: "duplicate"})
		return
	}
	respondJSON(w, http.StatusAccepted, PublishResponse{OutboxID: entry.ID, Status: string(entry.Status)})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list-notifications")
	defer span.End()

	owner := ownerRef(r)
	q := r.URL.Query()
	opts := notification.ListOptions{UnreadOnly: q.Get("unread") == "true"}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}

	records, err := h.inbox.List(ctx, owner, opts)
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []notification.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"notifications": records})
}

func (h *Handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "unread-count")
	defer span.End()

	n, err := h.inbox.UnreadCount(ctx, ownerRef(r))
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

func (h *Handler) markAllRead(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "mark-all-read")
	defer span.End()

	n, err := h.inbox.MarkAllRead(ctx, ownerRef(r))
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "mark-read", h.inbox.MarkRead)
}

func (h *Handler) markUnread(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "mark-unread", h.inbox.MarkUnread)
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context, string) (notification.Record, error)) {
	ctx, span := h.tracer.Start(r.Context(), name)
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("notification.id", id))
	rec, err := fn(ctx, id)
	if errors.Is(err, notification.ErrNotFound) {
		h.respondErr(ctx, w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) providerHealth(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "provider-health")
	defer span.End()

	ch, err := channel.Parse(chi.URLParam(r, "channel"))
	if err == nil {
		if _, ok := channel.ConfigTypeFor(ch); !ok {
			err = errors.New("channel " + string(ch) + " has no providers")
		}
	}
	if err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}

	health, err := h.providers.Health(ctx, ch)
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"channel": ch, "providers": health})
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Int("status", status).Msg("request failed")
	trace.SpanFromContext(ctx).RecordError(err)
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ownerRef(r *http.Request) entity.Ref {
	return entity.Ref{Type: chi.URLParam(r, "type"), ID: chi.URLParam(r, "id")}
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid pagination parameter " + strconv.Quote(s))
	}
	return n, nil
}

func validateRequest(req PublishRequest) error {
	if req.EventType == "" {
		return errors.New("event_type is required")
	}
	if !req.Notifiable.Valid() {
		return errors.New("notifiable.type and notifiable.id are required")
	}
	if len(req.Channels) == 0 {
		return errors.New("channels is required")
	}
	if req.DelaySeconds < 0 {
		return errors.New("delay_seconds must not be negative")
	}
	return nil
}
