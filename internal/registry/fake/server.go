// Package fake is an in-memory vehicle registry speaking the registry wire
// protocol. It backs client tests and the local fake_registry tool.
package fake

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultAlreadyExistsMessage is the message returned for duplicate VINs.
	DefaultAlreadyExistsMessage = "Vehicle already exists"

	codeOK            = 0
	codeAlreadyExists = 4009
	codeInvalid       = 4000
	codeUnauthorized  = 4010
	codeInternal      = 5000
)

// Config tunes the fake registry.
type Config struct {
	Username             string
	Password             string
	AlreadyExistsMessage string
	Latency              time.Duration
	// FailRate is the probability of a result-code failure on vehicle writes.
	FailRate float64
	Models   []Model
}

// Model is a catalog entry.
type Model struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Vehicle is a stored vehicle.
type Vehicle struct {
	ID             string            `json:"id"`
	VIN            string            `json:"vin"`
	VehicleModelID string            `json:"vehicleModelId,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Server is an http.Handler emulating the registry.
type Server struct {
	cfg Config
	mux *http.ServeMux

	mu        sync.Mutex
	sessions  map[string]struct{}
	vehicles  map[string]*Vehicle
	calls     map[string]int64
	failLogin bool
	failModel bool
}

// NewServer constructs a fake registry.
func NewServer(cfg Config) *Server {
	if cfg.AlreadyExistsMessage == "" {
		cfg.AlreadyExistsMessage = DefaultAlreadyExistsMessage
	}
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		sessions: make(map[string]struct{}),
		vehicles: make(map[string]*Vehicle),
		calls:    make(map[string]int64),
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/api/login", s.handleLogin)
	s.mux.HandleFunc("/api/vehicles", s.handleVehicles)
	s.mux.HandleFunc("/api/vehicles/", s.handleVehicle)
	s.mux.HandleFunc("/api/vehicle-models", s.handleModels)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Latency > 0 {
		time.Sleep(s.cfg.Latency)
	}
	s.mu.Lock()
	s.calls[r.Method+" "+routeOf(r.URL.Path)]++
	s.mu.Unlock()
	s.mux.ServeHTTP(w, r)
}

// SetFailLogin makes every login fail.
func (s *Server) SetFailLogin(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLogin = fail
}

// SetFailModels makes the model catalog answer 500.
func (s *Server) SetFailModels(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failModel = fail
}

// Seed stores a vehicle directly.
func (s *Server) Seed(vehicle Vehicle) Vehicle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vehicle.ID == "" {
		vehicle.ID = uuid.NewString()
	}
	stored := vehicle
	s.vehicles[vehicle.VIN] = &stored
	return stored
}

// Vehicle returns the stored vehicle for vin.
func (s *Server) Vehicle(vin string) (Vehicle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vehicle, ok := s.vehicles[vin]
	if !ok {
		return Vehicle{}, false
	}
	return *vehicle, true
}

// Calls returns how many requests hit "METHOD route".
func (s *Server) Calls(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeRaw(w, http.StatusOK, map[string]any{
		"vehicles": len(s.vehicles),
		"sessions": len(s.sessions),
		"calls":    s.calls,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLogin || (s.cfg.Username != "" && (payload.Username != s.cfg.Username || payload.Password != s.cfg.Password)) {
		writeResult(w, codeUnauthorized, "invalid credentials", nil)
		return
	}
	id := uuid.NewString()
	s.sessions[id] = struct{}{}
	writeResult(w, codeOK, "", map[string]string{"sessionId": id})
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		vin := strings.TrimSpace(r.URL.Query().Get("vin"))
		s.mu.Lock()
		defer s.mu.Unlock()
		result := []Vehicle{}
		for _, vehicle := range s.vehicles {
			if vin == "" || vehicle.VIN == vin {
				result = append(result, *vehicle)
			}
		}
		writeResult(w, codeOK, "", result)
	case http.MethodPost:
		var payload Vehicle
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(payload.VIN) == "" {
			writeResult(w, codeInvalid, "vin required", nil)
			return
		}
		if s.shouldFail() {
			writeResult(w, codeInternal, "registry backend unavailable", nil)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.vehicles[payload.VIN]; ok {
			writeResult(w, codeAlreadyExists, s.cfg.AlreadyExistsMessage, nil)
			return
		}
		payload.ID = uuid.NewString()
		stored := payload
		s.vehicles[payload.VIN] = &stored
		writeResult(w, codeOK, "", stored)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/vehicles/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPut:
		var payload Vehicle
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if s.shouldFail() {
			writeResult(w, codeInternal, "registry backend unavailable", nil)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		existing := s.byID(id)
		if existing == nil {
			http.NotFound(w, r)
			return
		}
		if payload.VehicleModelID != "" {
			existing.VehicleModelID = payload.VehicleModelID
		}
		if payload.Attributes != nil {
			existing.Attributes = payload.Attributes
		}
		writeResult(w, codeOK, "", existing)
	case http.MethodDelete:
		s.mu.Lock()
		defer s.mu.Unlock()
		existing := s.byID(id)
		if existing == nil {
			http.NotFound(w, r)
			return
		}
		delete(s.vehicles, existing.VIN)
		writeResult(w, codeOK, "", nil)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	fail := s.failModel
	s.mu.Unlock()
	if fail {
		http.Error(w, "catalog unavailable", http.StatusInternalServerError)
		return
	}
	models := s.cfg.Models
	if models == nil {
		models = []Model{}
	}
	writeResult(w, codeOK, "", models)
}

func (s *Server) authorized(r *http.Request) bool {
	session := r.Header.Get("X-Session-Id")
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[session]
	return ok
}

func (s *Server) shouldFail() bool {
	return s.cfg.FailRate > 0 && rand.Float64() < s.cfg.FailRate
}

func (s *Server) byID(id string) *Vehicle {
	for _, vehicle := range s.vehicles {
		if vehicle.ID == id {
			return vehicle
		}
	}
	return nil
}

func routeOf(path string) string {
	if strings.HasPrefix(path, "/api/vehicles/") {
		return "/api/vehicles/{id}"
	}
	return path
}

func writeResult(w http.ResponseWriter, code int, message string, data any) {
	writeRaw(w, http.StatusOK, map[string]any{
		"result": map[string]any{"code": code, "message": message},
		"data":   data,
	})
}

func writeRaw(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
