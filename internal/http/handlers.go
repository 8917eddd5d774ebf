package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-orchestrator/internal/arbiter"
	"github.com/example/ride-orchestrator/internal/dispatch"
	"github.com/example/ride-orchestrator/internal/events"
	"github.com/example/ride-orchestrator/internal/fare"
	"github.com/example/ride-orchestrator/internal/geo"
	"github.com/example/ride-orchestrator/internal/identity"
	"github.com/example/ride-orchestrator/internal/models"
	"github.com/example/ride-orchestrator/internal/observability"
	"github.com/example/ride-orchestrator/internal/registry"
	"github.com/example/ride-orchestrator/internal/settlement"
	"github.com/example/ride-orchestrator/internal/trip"
)

// Server wires the orchestrator core behind the HTTP transport.
type Server struct {
	logger      *slog.Logger
	registry    *registry.Registry
	arbiter     *arbiter.Arbiter
	machine     *trip.Machine
	estimator   *fare.Estimator
	geo         geo.Index
	wsReg       *dispatch.WSRegistry
	identity    identity.Verifier
	settlements *settlement.Coordinator
	publisher   events.Publisher

	nearbyRadiusKm float64
	nearbyLimit    int
	broadcastLimit int

	onlineMu sync.Mutex
	online   map[string]bool

	mux *mux.Router
}

// Deps are the collaborators and core components the server exposes.
type Deps struct {
	Logger      *slog.Logger
	Registry    *registry.Registry
	Arbiter     *arbiter.Arbiter
	Machine     *trip.Machine
	Estimator   *fare.Estimator
	Geo         geo.Index
	WSReg       *dispatch.WSRegistry
	Identity    identity.Verifier
	Settlements *settlement.Coordinator
	Publisher   events.Publisher

	NearbyRadiusKm float64
	NearbyLimit    int
	BroadcastLimit int
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.NearbyRadiusKm <= 0 {
		d.NearbyRadiusKm = 5
	}
	if d.NearbyLimit <= 0 {
		d.NearbyLimit = 20
	}
	if d.BroadcastLimit <= 0 {
		d.BroadcastLimit = 20
	}
	s := &Server{
		logger:         d.Logger,
		registry:       d.Registry,
		arbiter:        d.Arbiter,
		machine:        d.Machine,
		estimator:      d.Estimator,
		geo:            d.Geo,
		wsReg:          d.WSReg,
		identity:       d.Identity,
		settlements:    d.Settlements,
		publisher:      d.Publisher,
		nearbyRadiusKm: d.NearbyRadiusKm,
		nearbyLimit:    d.NearbyLimit,
		broadcastLimit: d.BroadcastLimit,
		online:         make(map[string]bool),
		mux:            mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/fare/calculate", s.handleCalculateFare).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests", s.handleSubmitRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/active", s.handleListActiveRequests).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/offers", s.handleListOffers).Methods("GET")
	s.mux.HandleFunc("/api/v1/offers", s.handleMakeOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{offer_id}/accept", s.handleAcceptOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips", s.handleListTrips).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/status", s.handleUpdateTripStatus).Methods("PUT")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancelTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/rate", s.handleRateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearbyDrivers).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/settlements/unresolved", s.handleUnresolvedSettlements).Methods("GET")
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// requireActor resolves the bearer token through the identity collaborator.
// An empty role accepts any authenticated actor.
func (s *Server) requireActor(w http.ResponseWriter, r *http.Request, role models.Role) (models.Actor, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	actor, err := s.identity.VerifyActor(r.Context(), token)
	if err != nil {
		writeDomainError(w, err)
		return models.Actor{}, false
	}
	if role != "" && actor.Role != role {
		writeError(w, http.StatusForbidden, "forbidden", "role "+string(role)+" required")
		return models.Actor{}, false
	}
	return actor, true
}

type coordBody struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c coordBody) coord() models.Coord { return models.Coord{Lat: c.Lat, Lon: c.Lon} }

func (s *Server) handleCalculateFare(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pickup  coordBody `json:"pickup"`
		Dropoff coordBody `json:"dropoff"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	b, err := s.estimator.Estimate(body.Pickup.coord(), body.Dropoff.coord())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleRider)
	if !ok {
		return
	}
	var body struct {
		Pickup         coordBody `json:"pickup"`
		PickupLabel    string    `json:"pickup_label"`
		Dropoff        coordBody `json:"dropoff"`
		DropoffLabel   string    `json:"dropoff_label"`
		MaxWaitSeconds int       `json:"max_wait_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if body.PickupLabel == "" || body.DropoffLabel == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "pickup_label and dropoff_label are required")
		return
	}
	pickup, dropoff := body.Pickup.coord(), body.Dropoff.coord()
	if pickup == dropoff {
		writeError(w, http.StatusBadRequest, "same_pickup_dropoff", "pickup and dropoff cannot be the same point")
		return
	}
	estimate, err := s.estimator.Estimate(pickup, dropoff)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	req := &models.RideRequest{
		RiderID:       actor.UserID,
		Pickup:        pickup,
		PickupLabel:   body.PickupLabel,
		Dropoff:       dropoff,
		DropoffLabel:  body.DropoffLabel,
		EstimatedFare: estimate.TotalFare,
		MaxWait:       time.Duration(body.MaxWaitSeconds) * time.Second,
	}
	stored, err := s.registry.Submit(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.broadcastRequest(stored)
	s.publisher.Publish(models.TripEvent{
		TripID:    stored.ID,
		Type:      models.EventRequestOpened,
		RiderID:   stored.RiderID,
		Payload:   map[string]any{"pickup": stored.PickupLabel, "dropoff": stored.DropoffLabel},
		EmittedAt: time.Now(),
	})
	writeJSON(w, http.StatusCreated, stored)
}

// broadcastRequest pushes an open request to nearby online drivers over
// their sockets. Best-effort; a rider never sees a broadcast failure.
func (s *Server) broadcastRequest(req *models.RideRequest) {
	drivers := s.geo.Nearby(req.Pickup.Lat, req.Pickup.Lon, s.nearbyRadiusKm, s.broadcastLimit)
	ids := make([]string, len(drivers))
	for i, d := range drivers {
		ids[i] = d.ID
	}
	s.wsReg.Broadcast(ids, map[string]any{"type": "request.opened", "request": req})
}

func (s *Server) handleListActiveRequests(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r, models.RoleDriver); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.registry.ListActive())
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleRider)
	if !ok {
		return
	}
	requestID := mux.Vars(r)["request_id"]
	req, err := s.registry.Get(requestID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.RiderID != actor.UserID {
		writeError(w, http.StatusForbidden, "not_request_owner", "request belongs to another rider")
		return
	}
	writeJSON(w, http.StatusOK, s.arbiter.OffersForRequest(requestID))
}

func (s *Server) handleMakeOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		RequestID   string  `json:"request_id"`
		OfferedFare float64 `json:"offered_fare"`
		ETAMinutes  int     `json:"eta_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if body.RequestID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "request_id is required")
		return
	}
	offer, err := s.arbiter.MakeOffer(body.RequestID, actor.UserID, body.OfferedFare, body.ETAMinutes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req, err := s.registry.Get(body.RequestID); err == nil {
		s.publisher.Publish(models.TripEvent{
			TripID:    body.RequestID,
			Type:      models.EventOfferReceived,
			RiderID:   req.RiderID,
			DriverID:  actor.UserID,
			Payload:   map[string]any{"offer_id": offer.ID, "fare": offer.OfferedFare, "eta_minutes": offer.ETAMinutes},
			EmittedAt: time.Now(),
		})
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleRider)
	if !ok {
		return
	}
	offerID := mux.Vars(r)["offer_id"]
	t, err := s.arbiter.Accept(offerID, actor.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	_ = s.wsReg.Notify(t.DriverID, map[string]any{"type": "offer.accepted", "trip": t})
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	trips, err := s.machine.ListForUser(actor.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if trips == nil {
		trips = []*models.Trip{}
	}
	writeJSON(w, http.StatusOK, trips)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	t, err := s.machine.Get(mux.Vars(r)["trip_id"], actor.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTripStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	var body struct {
		Status           string  `json:"status"`
		ActualDistanceKm float64 `json:"actual_distance_km"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	t, err := s.machine.UpdateStatus(mux.Vars(r)["trip_id"], actor.UserID, models.TripStatus(body.Status), body.ActualDistanceKm)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	var body struct {
		Reason  string `json:"reason"`
		Details string `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	t, err := s.machine.Cancel(mux.Vars(r)["trip_id"], actor.UserID, models.CancelReason(body.Reason), body.Details)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRateTrip(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	var body struct {
		Rating   int    `json:"rating"`
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	t, err := s.machine.Rate(mux.Vars(r)["trip_id"], actor.UserID, body.Rating, body.Feedback)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r, ""); !ok {
		return
	}
	var body struct {
		Lat      float64 `json:"lat"`
		Lon      float64 `json:"lon"`
		RadiusKm float64 `json:"radius_km"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if !(models.Coord{Lat: body.Lat, Lon: body.Lon}).Valid() {
		writeDomainError(w, fare.ErrInvalidCoordinates)
		return
	}
	radius := body.RadiusKm
	if radius <= 0 {
		radius = s.nearbyRadiusKm
	}
	writeJSON(w, http.StatusOK, s.geo.Nearby(body.Lat, body.Lon, radius, s.nearbyLimit))
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		Lat    float64 `json:"lat"`
		Lon    float64 `json:"lon"`
		Rating float64 `json:"rating"`
		Online *bool   `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	online := true
	if body.Online != nil {
		online = *body.Online
	}
	s.geo.Upsert(models.Driver{ID: actor.UserID, Loc: models.Coord{Lat: body.Lat, Lon: body.Lon}, Rating: body.Rating, Online: online})
	s.trackOnline(actor.UserID, online)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) trackOnline(driverID string, online bool) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	was := s.online[driverID]
	if online && !was {
		s.online[driverID] = true
		observability.DriversOnline.Inc()
	} else if !online && was {
		delete(s.online, driverID)
		observability.DriversOnline.Dec()
	}
}

func (s *Server) handleUnresolvedSettlements(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r, models.RoleOperator); !ok {
		return
	}
	recs, err := s.settlements.Unresolved()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	actor, err := s.identity.VerifyActor(r.Context(), token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if actor.Role != models.RoleDriver || actor.UserID != driverID {
		writeError(w, http.StatusForbidden, "forbidden", "socket must belong to the driver")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.wsReg.Add(driverID, conn)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.wsReg.Remove(driverID)
				return
			}
		}
	}()
}

func newRequestID() string { return uuid.NewString() }
