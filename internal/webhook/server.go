// Package webhook receives Fulcrum change notifications and hands them to
// the dispatcher. The ingestion endpoint always answers 200 so the provider
// never retries or disables the hook.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/fulcrum-sync/internal/metrics"
	"github.com/sells-group/fulcrum-sync/internal/model"
	"github.com/sells-group/fulcrum-sync/internal/registry"
)

// maxBodyBytes bounds an inbound payload. Record webhooks carry the full
// record, photos excluded.
const maxBodyBytes = 10 << 20

// DeliveryHeader echoes the id assigned to each inbound delivery.
const DeliveryHeader = "X-Delivery-Id"

// Job is one accepted event bound to its collection.
type Job struct {
	DeliveryID string
	Entry      registry.Entry
	Event      model.SyncEvent
}

// Dispatcher accepts jobs without blocking. *dispatch.Pool[Job] implements it.
type Dispatcher interface {
	Submit(job Job) bool
}

// Resolver maps form ids to registry entries. *registry.Registry implements it.
type Resolver interface {
	Resolve(formID string) (registry.Entry, error)
	All() []registry.Entry
}

// Counter reports live row counts for /collections. store.RecordStore
// implements it.
type Counter interface {
	Count(ctx context.Context, c *model.TargetCollection) (int64, error)
}

// Options wires the router.
type Options struct {
	Registry       Resolver
	Dispatcher     Dispatcher
	Counter        Counter // optional
	Metrics        *metrics.Metrics
	AllowedOrigins []string
}

// payload is the subset of the provider's webhook body the receiver reads.
type payload struct {
	Type string `json:"type"`
	Data struct {
		ID     string `json:"id"`
		FormID string `json:"form_id"`
	} `json:"data"`
}

type handler struct {
	opts Options
}

// NewRouter builds the HTTP surface: the ingestion endpoint on
// POST /webhooks/fulcrum and POST /, plus /health, /collections and /metrics.
func NewRouter(opts Options) http.Handler {
	h := &handler{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)

	r.Group(func(r chi.Router) {
		r.Use(ackOnPanic)
		r.Post("/webhooks/fulcrum", h.receive)
		r.Post("/", h.receive)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.With(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})).Get("/collections", h.collections)

	r.Handle("/metrics", opts.Metrics.Handler())
	return r
}

// receive parses one delivery and queues it. Every path ends in 200 with an
// empty body.
func (h *handler) receive(w http.ResponseWriter, r *http.Request) {
	deliveryID := uuid.NewString()
	w.Header().Set(DeliveryHeader, deliveryID)
	defer w.WriteHeader(http.StatusOK)

	log := zap.L().With(zap.String("component", "webhook"), zap.String("delivery_id", deliveryID))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Warn("unreadable webhook body", zap.Error(err))
		h.opts.Metrics.Event("", metrics.OutcomeMalformed)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		log.Warn("malformed webhook payload", zap.Error(err), zap.Int("bytes", len(body)))
		h.opts.Metrics.Event("", metrics.OutcomeMalformed)
		return
	}

	typ, err := model.ParseEventType(p.Type)
	if err != nil {
		log.Debug("ignoring non-record event", zap.String("type", p.Type))
		h.opts.Metrics.Event(p.Type, metrics.OutcomeIgnored)
		return
	}

	ev := model.SyncEvent{Type: typ, ExternalID: p.Data.ID, FormID: p.Data.FormID}
	log = log.With(
		zap.String("event", ev.Type.String()),
		zap.String("form_id", ev.FormID),
		zap.String("external_id", ev.ExternalID),
	)
	if err := ev.Validate(); err != nil {
		log.Warn("incomplete webhook event", zap.Error(err))
		h.opts.Metrics.Event(ev.Type.String(), metrics.OutcomeMalformed)
		return
	}

	entry, err := h.opts.Registry.Resolve(ev.FormID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			log.Debug("form not registered, ignoring")
		} else {
			log.Error("registry lookup failed", zap.Error(err))
		}
		h.opts.Metrics.Event(ev.Type.String(), metrics.OutcomeUnknown)
		return
	}

	if !h.opts.Dispatcher.Submit(Job{DeliveryID: deliveryID, Entry: entry, Event: ev}) {
		log.Warn("dispatcher rejected event", zap.String("collection", entry.Collection.Name))
		h.opts.Metrics.Event(ev.Type.String(), metrics.OutcomeDropped)
		return
	}

	log.Info("event queued", zap.String("collection", entry.Collection.Name))
	h.opts.Metrics.Event(ev.Type.String(), metrics.OutcomeQueued)
}

// collectionView is one row of GET /collections.
type collectionView struct {
	Name    string        `json:"name"`
	FormID  string        `json:"form_id"`
	Table   string        `json:"table"`
	Fields  []model.Field `json:"fields"`
	Records *int64        `json:"records"`
	Error   string        `json:"error,omitempty"`
}

func (h *handler) collections(w http.ResponseWriter, r *http.Request) {
	entries := h.opts.Registry.All()
	out := make([]collectionView, 0, len(entries))
	for _, e := range entries {
		v := collectionView{
			Name:   e.Collection.Name,
			FormID: e.FormID,
			Table:  e.Collection.Table,
			Fields: e.Collection.Schema.Fields,
		}
		if h.opts.Counter != nil {
			n, err := h.opts.Counter.Count(r.Context(), e.Collection)
			if err != nil {
				v.Error = err.Error()
			} else {
				v.Records = &n
			}
		}
		out = append(out, v)
	}
	writeJSON(w, out)
}

// ackOnPanic turns a panic in the ingestion path into a logged 200.
func ackOnPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				zap.L().Error("webhook handler panicked",
					zap.String("component", "webhook"),
					zap.Any("panic", rec),
				)
				w.WriteHeader(http.StatusOK)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("failed to encode response", zap.String("component", "webhook"), zap.Error(err))
	}
}
