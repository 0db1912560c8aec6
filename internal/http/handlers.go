package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/mandado-dispatch/internal/auth"
	"github.com/example/mandado-dispatch/internal/config"
	"github.com/example/mandado-dispatch/internal/dispatch"
	"github.com/example/mandado-dispatch/internal/eta"
	"github.com/example/mandado-dispatch/internal/ingest"
	"github.com/example/mandado-dispatch/internal/lifecycle"
	"github.com/example/mandado-dispatch/internal/location"
	"github.com/example/mandado-dispatch/internal/match"
	"github.com/example/mandado-dispatch/internal/models"
	"github.com/example/mandado-dispatch/internal/observability"
	"github.com/example/mandado-dispatch/internal/storage"
	"github.com/example/mandado-dispatch/internal/tracking"
)

type Server struct {
	Engine     *lifecycle.Engine
	Tracker    *tracking.Aggregator
	Candidates *match.Service
	Store      storage.OrderStore
	Locations  location.Registry
	Auth       auth.Authenticator
	WSReg      *dispatch.Registry
	Kafka      *ingest.KafkaProducer

	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the whole API process from config. Redis, Kafka, and
// Postgres are optional; with none of them set the server runs fully
// in-process, which is how the tests and local development run it.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var locs location.Registry
	if cfg.RedisAddr != "" {
		locs = location.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		locs = location.NewMemoryRegistry()
	}

	var store storage.OrderStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Error("postgres unavailable, falling back to memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var etaClient eta.Client
	var etaCache *eta.Cache
	if cfg.OSRMEndpoint != "" {
		etaClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		etaCache = eta.NewCache(30 * time.Second)
	}

	wsreg := dispatch.NewRegistry(logger)
	sink := dispatch.MultiSink{&dispatch.LogSink{Logger: logger}, wsreg}

	s := &Server{
		Engine:  lifecycle.NewEngine(store, sink, cfg.MinPriceOffered),
		Tracker: &tracking.Aggregator{
			Store:         store,
			Locations:     locs,
			StaleAfter:    cfg.StaleAfter,
			AvgSpeedMps:   cfg.AvgSpeedMps,
			MinETAMinutes: cfg.MinETAMinutes,
			ETAClient:     etaClient,
			ETACache:      etaCache,
		},
		Candidates: &match.Service{
			Locations:       locs,
			DefaultSpeedMps: cfg.AvgSpeedMps,
			TopN:            cfg.CandidateTopN,
			StaleAfter:      cfg.StaleAfter,
			ETAClient:       etaClient,
			ETACache:        etaCache,
		},
		Store:     store,
		Locations: locs,
		Auth:      auth.NewTokenAuthenticator(cfg.AuthSecret),
		WSReg:     wsreg,
		Kafka:     kp,
		cfg:       cfg,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/orders", s.handleCreateOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders", s.handleListOrders).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{id}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{id}/accept", s.handleAccept).Methods("PUT")
	s.mux.HandleFunc("/api/v1/orders/{id}/state", s.handleAdvance).Methods("PUT")
	s.mux.HandleFunc("/api/v1/orders/{id}/cancel", s.handleCancel).Methods("PUT")
	s.mux.HandleFunc("/api/v1/orders/{id}/rating", s.handleRate).Methods("PUT")
	s.mux.HandleFunc("/api/v1/orders/{id}/tracking", s.handleTracking).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{id}/candidates", s.handleCandidates).Methods("GET")
	s.mux.HandleFunc("/internal/courier/locations", s.handleCourierLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/couriers/availability", s.handleAvailability).Methods("PUT")
	s.mux.HandleFunc("/api/v1/couriers/available", s.handleAvailableCouriers).Methods("GET")
	s.mux.HandleFunc("/api/v1/notifications/test", s.handleTestNotification).Methods("POST")
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) identity(r *http.Request) (models.Identity, error) {
	cred := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if cred == "" || cred == r.Header.Get("Authorization") {
		cred = r.URL.Query().Get("token")
	}
	if cred == "" {
		return models.Identity{}, &models.AuthenticationError{Msg: "missing credentials"}
	}
	return s.Auth.Authenticate(r.Context(), cred)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in lifecycle.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, &models.ValidationError{Msg: err.Error()})
		return
	}
	o, err := s.Engine.Create(r.Context(), caller, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f := s.listFilter(r, caller)
	orders, err := s.Store.Find(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// listFilter scopes the listing to what the caller may see. Couriers use
// the view parameter the way the courier app does: available work, their
// active deliveries, or their history.
func (s *Server) listFilter(r *http.Request, caller models.Identity) storage.OrderFilter {
	f := storage.OrderFilter{Limit: 100}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		f.Limit = n
	}
	switch caller.Role {
	case models.RoleAdmin:
		if st := r.URL.Query().Get("state"); st != "" {
			for _, v := range strings.Split(st, ",") {
				f.States = append(f.States, models.OrderState(strings.TrimSpace(v)))
			}
		}
	case models.RoleCourier:
		switch r.URL.Query().Get("view") {
		case "active":
			f.CourierID = caller.ID
			f.States = []models.OrderState{models.StateAccepted, models.StateEnRoute, models.StateInProgress}
		case "history":
			f.CourierID = caller.ID
			f.States = []models.OrderState{models.StateCompleted, models.StateCancelled}
		default: // available
			now := time.Now()
			f.States = []models.OrderState{models.StatePending}
			f.DeadlineAfter = &now
		}
	default:
		f.RequesterID = caller.ID
	}
	return f
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.Store.FindByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = &models.NotFoundError{Msg: "order"}
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := s.Engine.Accept(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		State models.OrderState `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &models.ValidationError{Msg: err.Error()})
		return
	}
	o, err := s.Engine.Advance(r.Context(), mux.Vars(r)["id"], caller, body.State)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := s.Engine.Cancel(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Score   int    `json:"score"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &models.ValidationError{Msg: err.Error()})
		return
	}
	o, err := s.Engine.Rate(r.Context(), mux.Vars(r)["id"], caller, body.Score, body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.Tracker.View(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if caller.Role != models.RoleAdmin {
		writeError(w, &models.AuthorizationError{Msg: "administrators only"})
		return
	}
	o, err := s.Store.FindByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = &models.NotFoundError{Msg: "order"}
		}
		writeError(w, err)
		return
	}
	if o.Pickup.Coord == nil {
		writeError(w, &models.ValidationError{Msg: "order pickup has no coordinates"})
		return
	}
	cands, err := s.Candidates.Rank(r.Context(), *o.Pickup.Coord)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

func (s *Server) handleCourierLocation(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if caller.Role != models.RoleCourier {
		writeError(w, &models.AuthorizationError{Msg: "only couriers report locations"})
		return
	}
	var body struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &models.ValidationError{Msg: err.Error()})
		return
	}
	if body.Lat < -90 || body.Lat > 90 || body.Lng < -180 || body.Lng > 180 {
		writeError(w, &models.ValidationError{Msg: "coordinates out of range"})
		return
	}
	if err := s.Locations.UpdateLocation(r.Context(), caller.ID, body.Lat, body.Lng); err != nil {
		writeError(w, err)
		return
	}
	if s.Kafka != nil {
		loc := models.CourierLocation{CourierID: caller.ID, Lat: body.Lat, Lng: body.Lng, UpdatedAt: time.Now()}
		if err := s.Kafka.PublishLocation(loc); err != nil {
			s.logger.Warn("kafka publish failed", "courier", caller.ID, "error", err)
		}
	}
	observability.LocationUpdatesTotal.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if caller.Role != models.RoleCourier {
		writeError(w, &models.AuthorizationError{Msg: "only couriers toggle availability"})
		return
	}
	var body struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &models.ValidationError{Msg: err.Error()})
		return
	}
	if err := s.Locations.SetAvailability(r.Context(), caller.ID, body.Available); err != nil {
		writeError(w, err)
		return
	}
	s.WSReg.SetAvailable(caller.ID, body.Available)
	writeJSON(w, http.StatusOK, map[string]any{"available": body.Available})
}

func (s *Server) handleAvailableCouriers(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		writeError(w, err)
		return
	}
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(w, &models.ValidationError{Msg: "lat and lng are required"})
		return
	}
	cands, err := s.Candidates.Rank(r.Context(), models.Coord{Lat: lat, Lng: lng})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if caller.Role != models.RoleAdmin {
		writeError(w, &models.AuthorizationError{Msg: "administrators only"})
		return
	}
	var body struct {
		IdentityID string `json:"identity_id"`
		Message    string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &models.ValidationError{Msg: err.Error()})
		return
	}
	ev := models.NewEvent(models.EventTest, map[string]any{"message": body.Message})
	delivered := true
	if body.IdentityID != "" {
		delivered = s.WSReg.NotifyIdentity(body.IdentityID, ev)
	} else {
		s.WSReg.BroadcastToCouriers(ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

var upgrader = websocket.Upgrader{}

// handleWS authenticates, upgrades, and registers the session. The read
// loop exists only to observe disconnects; clients talk to the REST API,
// the socket is push-only.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Register(conn, caller)
	if caller.Role == models.RoleCourier {
		// carry the persisted availability flag into the new session
		if avail, err := s.Locations.Available(r.Context(), caller.ID); err == nil && !avail {
			s.WSReg.SetAvailable(caller.ID, false)
		}
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Unregister(conn)
				_ = conn.Close()
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var (
		ve *models.ValidationError
		ne *models.AuthenticationError
		ze *models.AuthorizationError
		ce *models.ConflictError
		nf *models.NotFoundError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.As(err, &ne):
		status = http.StatusUnauthorized
	case errors.As(err, &ze):
		status = http.StatusForbidden
	case errors.As(err, &nf):
		status = http.StatusNotFound
	case errors.As(err, &ce):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
