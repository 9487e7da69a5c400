package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// maxPayloadBytes caps the request body. Stripe events are far smaller.
const maxPayloadBytes = 256 << 10

// Event is the envelope of a Stripe event. Data.Object is decoded by the
// handler for the event type.
type Event struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Livemode bool   `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// EventFunc processes one event type.
type EventFunc func(ctx context.Context, ev Event) error

// Outcome labels reported to OnEvent.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

// Options configures a Handler.
type Options struct {
	// Secret is the endpoint signing secret (whsec_...).
	Secret string

	// Tolerance of the signed timestamp. Default 5m.
	Tolerance time.Duration

	Logger log.Logger

	// OnEvent is called once per request with the event type and outcome.
	OnEvent func(eventType, outcome string)

	// Now overrides time.Now.
	Now func() time.Time
}

// Handler serves the Stripe webhook endpoint.
type Handler struct {
	secret    string
	tolerance time.Duration
	store     *Store
	handlers  map[string]EventFunc
	logger    log.Logger
	onEvent   func(eventType, outcome string)
	now       func() time.Time
}

func NewHandler(store *Store, opts Options) (*Handler, error) {
	if opts.Secret == "" {
		return nil, xerrors.New("webhook: signing secret is required")
	}
	if store == nil {
		return nil, xerrors.New("webhook: nil store")
	}
	h := &Handler{
		secret:    opts.Secret,
		tolerance: opts.Tolerance,
		store:     store,
		handlers:  make(map[string]EventFunc),
		logger:    opts.Logger,
		onEvent:   opts.OnEvent,
		now:       opts.Now,
	}
	if h.tolerance <= 0 {
		h.tolerance = DefaultTolerance
	}
	if h.logger == nil {
		h.logger = log.Nop()
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.registerSubscriptionHandlers()
	return h, nil
}

// On registers fn for eventType, replacing any previous handler.
func (h *Handler) On(eventType string, fn EventFunc) {
	h.handlers[eventType] = fn
}

type ackResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		h.report("", OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := Verify(payload, r.Header.Get(SignatureHeader), h.secret, h.tolerance, h.now()); err != nil {
		h.logger.Warn(ctx, "webhook signature rejected", "error", err)
		h.report("", OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ID == "" || ev.Type == "" {
		h.report("", OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	fn, known := h.handlers[ev.Type]

	first, err := h.store.Record(ctx, ev.ID, ev.Type, h.now())
	if err != nil {
		log.FromContext(ctx).Error(ctx, err, "record webhook event", "event_id", ev.ID)
		h.report(ev.Type, OutcomeFailed)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !first {
		h.logger.Info(ctx, "duplicate webhook event", "event_id", ev.ID, "type", ev.Type)
		h.report(ev.Type, OutcomeDuplicate)
		writeJSON(w, http.StatusOK, ackResponse{Received: true, Duplicate: true})
		return
	}

	if !known {
		h.logger.Debug(ctx, "ignoring webhook event type", "event_id", ev.ID, "type", ev.Type)
		h.report(ev.Type, OutcomeIgnored)
		writeJSON(w, http.StatusOK, ackResponse{Received: true})
		return
	}

	if err := fn(ctx, ev); err != nil {
		// let Stripe redeliver
		if ferr := h.store.Forget(ctx, ev.ID); ferr != nil {
			err = errors.Join(err, ferr)
		}
		log.FromContext(ctx).Error(ctx, err, "process webhook event", "event_id", ev.ID, "type", ev.Type)
		h.report(ev.Type, OutcomeFailed)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info(ctx, "webhook event processed", "event_id", ev.ID, "type", ev.Type)
	h.report(ev.Type, OutcomeProcessed)
	writeJSON(w, http.StatusOK, ackResponse{Received: true})
}

func (h *Handler) report(eventType, outcome string) {
	if h.onEvent == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	h.onEvent(eventType, outcome)
}

// stripeSubscription is the subset of the subscription object we keep.
type stripeSubscription struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

func (h *Handler) registerSubscriptionHandlers() {
	upsert := func(ctx context.Context, ev Event) error {
		var s stripeSubscription
		if err := json.Unmarshal(ev.Data.Object, &s); err != nil {
			return xerrors.Wrapf(err, "decode subscription in event %s", ev.ID)
		}
		if s.ID == "" {
			return xerrors.Newf("event %s: subscription has no id", ev.ID)
		}
		if ev.Type == "customer.subscription.deleted" {
			s.Status = "canceled"
		}
		return h.store.UpsertSubscription(ctx, Subscription{
			ID:               s.ID,
			CustomerID:       s.Customer,
			Status:           s.Status,
			CurrentPeriodEnd: time.Unix(s.CurrentPeriodEnd, 0),
			UpdatedAt:        h.now(),
		})
	}
	h.On("customer.subscription.created", upsert)
	h.On("customer.subscription.updated", upsert)
	h.On("customer.subscription.deleted", upsert)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
