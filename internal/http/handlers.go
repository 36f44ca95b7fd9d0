package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
)

// Server is the HTTP surface: rider trip lifecycle, driver presence and
// responses, quotes, websocket sessions, health and metrics.
type Server struct {
	Coordinator *dispatch.Coordinator
	Presence    presence.Index
	Quoter      fare.Quoter
	Hub         *notify.Hub
	Kafka       *ingest.KafkaProducer // optional

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(coord *dispatch.Coordinator, idx presence.Index, quoter fare.Quoter, hub *notify.Hub, kafka *ingest.KafkaProducer, logger *slog.Logger) *Server {
	s := &Server{
		Coordinator: coord,
		Presence:    idx,
		Quoter:      quoter,
		Hub:         hub,
		Kafka:       kafka,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleRequestTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancelTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/respond", s.handleDriverRespond).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/status", s.handleDriverAdvance).Methods("POST")

	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/online", s.handleDriverOnline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/offline", s.handleDriverOffline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/location", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}", s.handleGetDriver).Methods("GET")

	s.mux.HandleFunc("/api/v1/quotes", s.handleQuote).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRequestTrip(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	t, err := s.Coordinator.RequestTrip(r.Context(), req)
	if errors.Is(err, models.ErrNoDriversAvailable) {
		// the trip exists but was cancelled immediately; hand it back with the error
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"error": errorBody{Code: "no_drivers_available", Message: "no drivers available"},
			"trip":  dispatch.View(t),
		})
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dispatch.View(t))
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.Coordinator.GetTrip(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispatch.View(t))
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.Coordinator.CancelTrip(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispatch.View(t))
}

func (s *Server) handleDriverRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
		Accept   bool   `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	t, err := s.Coordinator.DriverRespond(r.Context(), mux.Vars(r)["trip_id"], body.DriverID, body.Accept)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispatch.View(t))
}

func (s *Server) handleDriverAdvance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
		Status   string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	t, err := s.Coordinator.DriverAdvance(r.Context(), mux.Vars(r)["trip_id"], body.DriverID, models.TripStatus(body.Status))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispatch.View(t))
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var loc models.Coord
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if err := s.Presence.SetAvailable(r.Context(), driverID, loc); err != nil {
		if errors.Is(err, models.ErrDriverUnavailable) {
			// position refreshed, state untouched while reserved or on a trip
			writeError(w, http.StatusConflict, "driver_unavailable", "driver is reserved or on a trip")
			return
		}
		s.writeDomainError(w, err)
		return
	}
	s.publishLocation(driverID, loc, true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if err := s.Presence.SetOffline(r.Context(), driverID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.publishLocation(driverID, models.Coord{}, false)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var loc models.Coord
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if err := s.Presence.UpdateLocation(r.Context(), driverID, loc); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.publishLocation(driverID, loc, true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	p, ok, err := s.Presence.Get(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "driver_not_found", "driver has no presence record")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Origin      models.Coord `json:"origin"`
		Destination models.Coord `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	q, err := s.Quoter.Quote(r.Context(), body.Origin, body.Destination)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, id := vars["role"], vars["id"]
	var partyKey, driverID string
	switch role {
	case "driver":
		partyKey, driverID = notify.DriverKey(id), id
	case "rider":
		partyKey = notify.RiderKey(id)
	default:
		writeError(w, http.StatusBadRequest, "invalid_argument", "role must be driver or rider")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	s.Hub.Serve(partyKey, driverID, conn)
}

func (s *Server) publishLocation(driverID string, loc models.Coord, online bool) {
	if s.Kafka == nil {
		return
	}
	msg := models.DriverLocation{DriverID: driverID, Loc: loc, Online: online, At: time.Now()}
	if err := s.Kafka.PublishLocation(msg); err != nil {
		s.logger.Warn("location publish failed", "driver", driverID, "error", err)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, models.ErrTripNotFound):
		writeError(w, http.StatusNotFound, "trip_not_found", "trip not found")
	case errors.Is(err, models.ErrAlreadyHasActiveTrip):
		writeError(w, http.StatusConflict, "already_has_active_trip", "rider already has an active trip")
	case errors.Is(err, models.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "invalid_state_transition", err.Error())
	case errors.Is(err, models.ErrReservationConflict):
		writeError(w, http.StatusConflict, "reservation_conflict", err.Error())
	case errors.Is(err, models.ErrNoDriversAvailable):
		writeError(w, http.StatusServiceUnavailable, "no_drivers_available", "no drivers available")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
