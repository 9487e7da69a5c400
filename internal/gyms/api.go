package gyms

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	defaultRadiusKm  = 10
	maxRadiusKm      = 500
	maxNameLen       = 200
	maxAddressLen    = 500
)

// API implements the gym locator endpoints
type API struct {
	store  *Store
	logger log.Logger
	now    func() time.Time
}

// NewAPI creates a new gym API handler
func NewAPI(store *Store, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// RegisterRoutes attaches gym endpoints to the router. read wraps the public
// lookups and write the state-changing routes, which expect an authenticated
// principal in the request context.
func (api *API) RegisterRoutes(r chi.Router, read, write func(http.Handler) http.Handler) {
	r.Route("/api/gyms", func(r chi.Router) {
		r.With(read).Get("/", api.HandleList)
		r.With(read).Get("/nearby", api.HandleNearby)
		r.With(read).Get("/stats", api.HandleStats)
		r.With(read).Get("/{id}", api.HandleGet)
		r.With(read).Get("/{id}/geofence", api.HandleGeofence)
		r.With(write).Post("/", api.HandleCreate)
		r.With(write).Delete("/{id}", api.HandleDelete)
	})
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// HandleList serves a page of gyms ordered by name
func (api *API) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, ok := intParam(q.Get("limit"), defaultListLimit, 1, maxListLimit)
	if !ok {
		api.writeError(ctx, w, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}
	offset, ok := intParam(q.Get("offset"), 0, 0, 1<<31-1)
	if !ok {
		api.writeError(ctx, w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	out, err := api.store.List(ctx, limit, offset)
	if err != nil {
		api.internalError(ctx, w, err, "list gyms")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, out)
}

// HandleNearby serves gyms within radius_km of lat,lng sorted by distance
func (api *API) HandleNearby(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	p := Point{Lat: lat, Lng: lng}
	if errLat != nil || errLng != nil || !p.Valid() {
		api.writeError(ctx, w, http.StatusBadRequest, "lat and lng must be valid coordinates")
		return
	}

	radius, ok := radiusParam(q.Get("radius_km"), defaultRadiusKm)
	if !ok {
		api.writeError(ctx, w, http.StatusBadRequest, "radius_km must be greater than 0 and at most 500")
		return
	}
	limit, ok := intParam(q.Get("limit"), defaultListLimit, 1, maxListLimit)
	if !ok {
		api.writeError(ctx, w, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}

	out, err := api.store.Nearby(ctx, p, radius, limit)
	if err != nil {
		api.internalError(ctx, w, err, "nearby gyms")
		return
	}
	api.logger.Debug(ctx, "served nearby gyms", "radius_km", radius, "results", len(out))
	api.writeJSON(ctx, w, http.StatusOK, out)
}

// HandleGet serves a single gym
func (api *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g, err := api.store.Get(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		api.writeError(ctx, w, http.StatusNotFound, "gym not found")
		return
	}
	if err != nil {
		api.internalError(ctx, w, err, "get gym")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, g)
}

// GeofenceResponse is a GeoJSON polygon around a gym
type GeofenceResponse struct {
	Type        string        `json:"type"`
	Coordinates [][][]float64 `json:"coordinates"`
}

// HandleGeofence serves a circular geofence polygon around a gym
func (api *API) HandleGeofence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	radius, ok := radiusParam(q.Get("radius_km"), 1)
	if !ok {
		api.writeError(ctx, w, http.StatusBadRequest, "radius_km must be greater than 0 and at most 500")
		return
	}
	points, ok := intParam(q.Get("points"), 32, 3, 360)
	if !ok {
		api.writeError(ctx, w, http.StatusBadRequest, "points must be between 3 and 360")
		return
	}

	g, err := api.store.Get(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		api.writeError(ctx, w, http.StatusNotFound, "gym not found")
		return
	}
	if err != nil {
		api.internalError(ctx, w, err, "get gym")
		return
	}

	ring := Circle(g.Point(), radius, points)
	coords := make([][]float64, len(ring))
	for i, p := range ring {
		// GeoJSON positions are lng, lat
		coords[i] = []float64{p.Lng, p.Lat}
	}
	api.writeJSON(ctx, w, http.StatusOK, GeofenceResponse{Type: "Polygon", Coordinates: [][][]float64{coords}})
}

// StatsResponse compares new gym listings in the last period with the one before
type StatsResponse struct {
	PeriodDays int     `json:"period_days"`
	Current    int64   `json:"current"`
	Previous   int64   `json:"previous"`
	GrowthRate float64 `json:"growth_rate"`
}

// HandleStats serves listing growth over two consecutive periods
func (api *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	days, ok := intParam(r.URL.Query().Get("days"), 30, 1, 365)
	if !ok {
		api.writeError(ctx, w, http.StatusBadRequest, "days must be between 1 and 365")
		return
	}

	now := api.now()
	period := time.Duration(days) * 24 * time.Hour
	cur, err := api.store.CountCreated(ctx, now.Add(-period), now)
	if err != nil {
		api.internalError(ctx, w, err, "gym stats")
		return
	}
	prev, err := api.store.CountCreated(ctx, now.Add(-2*period), now.Add(-period))
	if err != nil {
		api.internalError(ctx, w, err, "gym stats")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, StatsResponse{
		PeriodDays: days,
		Current:    cur,
		Previous:   prev,
		GrowthRate: GrowthRate(float64(cur), float64(prev)),
	})
}

// CreateRequest is the body of POST /api/gyms
type CreateRequest struct {
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
}

// Validate returns field errors keyed by json field name, nil if valid.
func (c CreateRequest) Validate() map[string]string {
	errs := map[string]string{}
	name := strings.TrimSpace(c.Name)
	switch {
	case name == "":
		errs["name"] = "is required"
	case utf8.RuneCountInString(name) > maxNameLen:
		errs["name"] = "must be at most 200 characters"
	}
	addr := strings.TrimSpace(c.Address)
	switch {
	case addr == "":
		errs["address"] = "is required"
	case utf8.RuneCountInString(addr) > maxAddressLen:
		errs["address"] = "must be at most 500 characters"
	}
	if c.Lat == nil {
		errs["lat"] = "is required"
	} else if !(Point{Lat: *c.Lat}).Valid() {
		errs["lat"] = "must be between -90 and 90"
	}
	if c.Lng == nil {
		errs["lng"] = "is required"
	} else if !(Point{Lng: *c.Lng}).Valid() {
		errs["lng"] = "must be between -180 and 180"
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// HandleCreate lists a new gym owned by the authenticated user
func (api *API) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := session.UserIDFromContext(ctx)
	if owner == "" {
		session.WriteUnauthorized(w)
		return
	}

	var req CreateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if fields := req.Validate(); fields != nil {
		api.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Fields: fields})
		return
	}

	g, err := api.store.Create(ctx, Gym{
		Name:    req.Name,
		Address: req.Address,
		Lat:     *req.Lat,
		Lng:     *req.Lng,
		OwnerID: owner,
	})
	if errors.Is(err, ErrDuplicate) {
		api.writeError(ctx, w, http.StatusConflict, ErrDuplicate.Error())
		return
	}
	if err != nil {
		api.internalError(ctx, w, err, "create gym")
		return
	}

	api.logger.Info(ctx, "gym created", "gym_id", g.ID, "owner_id", owner)
	w.Header().Set("Location", "/api/gyms/"+g.ID)
	api.writeJSON(ctx, w, http.StatusCreated, g)
}

// HandleDelete removes a gym owned by the authenticated user
func (api *API) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := session.UserIDFromContext(ctx)
	if owner == "" {
		session.WriteUnauthorized(w)
		return
	}

	id := chi.URLParam(r, "id")
	g, err := api.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		api.writeError(ctx, w, http.StatusNotFound, "gym not found")
		return
	}
	if err != nil {
		api.internalError(ctx, w, err, "get gym")
		return
	}
	if g.OwnerID != owner {
		api.writeError(ctx, w, http.StatusForbidden, "not the owner of this gym")
		return
	}

	// a concurrent delete between Get and Delete surfaces as not found
	if err := api.store.Delete(ctx, id); errors.Is(err, ErrNotFound) {
		api.writeError(ctx, w, http.StatusNotFound, "gym not found")
		return
	} else if err != nil {
		api.internalError(ctx, w, err, "delete gym")
		return
	}

	api.logger.Info(ctx, "gym deleted", "gym_id", id, "owner_id", owner)
	w.WriteHeader(http.StatusNoContent)
}

// intParam parses an optional integer query value within [lo, hi].
// radiusParam parses a radius in km, rejecting NaN, infinities and values
// outside (0, maxRadiusKm].
func radiusParam(v string, def float64) (float64, bool) {
	if v == "" {
		return def, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 || f > maxRadiusKm {
		return 0, false
	}
	return f, true
}

func intParam(v string, def, lo, hi int) (int, bool) {
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

func (api *API) internalError(ctx context.Context, w http.ResponseWriter, err error, op string) {
	log.FromContext(ctx).Error(ctx, err, op+" failed")
	api.writeError(ctx, w, http.StatusInternalServerError, "internal server error")
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
