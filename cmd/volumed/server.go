package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arxos/svoengine/internal/config"
	"github.com/arxos/svoengine/internal/metrics"
	"github.com/arxos/svoengine/internal/octree"
	"github.com/arxos/svoengine/internal/volume"
)

// volumeStore lazily creates one Volume per id, matching the way
// arxos-server's handlers wrapper holds services rather than globals.
type volumeStore struct {
	mu      sync.Mutex
	cfg     *config.Config
	metrics *metrics.Registry
	log     *zap.Logger
	byID    map[string]*volume.Volume
}

func newVolumeStore(cfg *config.Config, m *metrics.Registry, log *zap.Logger) *volumeStore {
	return &volumeStore{cfg: cfg, metrics: m, log: log, byID: make(map[string]*volume.Volume)}
}

func (s *volumeStore) get(id string) (*volume.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.byID[id]; ok {
		return v, nil
	}
	v, err := volume.Initialize(s.cfg, s.metrics, s.log)
	if err != nil {
		return nil, err
	}
	s.byID[id] = v
	return v, nil
}

type handlers struct {
	store *volumeStore
	log   *zap.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// newRouter wires the volumed HTTP surface, mirroring arxos-server's
// NewChiRouter middleware stack (Logger, Recoverer, RequestID) trimmed to
// this engine's own routes.
func newRouter(h *handlers, promReg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	r.Route("/v1/volumes/{id}", func(r chi.Router) {
		r.Post("/sculpt", h.handleSculpt)
		r.Get("/sample", h.handleSample)
		r.Get("/serialize", h.handleSerialize)
		r.Get("/delta", h.handleDelta)
		r.Get("/replicate", h.handleReplicate)
	})

	return r
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type sculptRequest struct {
	Op          string  `json:"op"`
	Center      vec3DTO `json:"center"`
	Radius      float64 `json:"radius"`
	Material    int     `json:"material"`
	DstMaterial int     `json:"dst_material"`
	Strength    float32 `json:"strength"`
	Factor      float32 `json:"factor"`
}

type vec3DTO struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (h *handlers) handleSculpt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.store.get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var req sculptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	center := volume.Vec3{X: req.Center.X, Y: req.Center.Y, Z: req.Center.Z}

	var sculptErr error
	switch req.Op {
	case "union":
		sculptErr = v.UnionMaterial(center, req.Radius, req.Material, req.Strength)
	case "subtract":
		sculptErr = v.SubtractMaterial(center, req.Radius, req.Material, req.Strength)
	case "blend":
		sculptErr = v.BlendMaterials(center, req.Radius, req.Material, req.DstMaterial, req.Factor)
	default:
		http.Error(w, fmt.Sprintf("unknown op %q", req.Op), http.StatusBadRequest)
		return
	}
	if sculptErr != nil {
		http.Error(w, sculptErr.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleSample(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.store.get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	x, errX := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
	y, errY := strconv.ParseFloat(r.URL.Query().Get("y"), 64)
	z, errZ := strconv.ParseFloat(r.URL.Query().Get("z"), 64)
	if errX != nil || errY != nil || errZ != nil {
		http.Error(w, "x, y and z query params are required floats", http.StatusBadRequest)
		return
	}
	mat, _ := strconv.Atoi(r.URL.Query().Get("material"))

	pos := volume.Vec3{X: x, Y: y, Z: z}
	resp := struct {
		Value  float32 `json:"value"`
		Inside bool    `json:"inside"`
	}{
		Value:  v.Evaluate(pos, mat),
		Inside: v.Inside(pos, mat),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *handlers) handleSerialize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.store.get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := v.SerializeFull(w); err != nil {
		h.log.Error("serialize full failed", zap.Error(err))
	}
}

func (h *handlers) handleDelta(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.store.get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	base, _ := strconv.ParseUint(r.URL.Query().Get("base_version"), 10, 64)
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := v.SerializeDelta(w, base); err != nil {
		h.log.Error("serialize delta failed", zap.Error(err))
	}
}

// handleReplicate upgrades to a websocket and streams pending network
// replications and deltas as they drain, the real-time push shape of
// arx-backend's websocket_service.go generalized from per-user rooms to
// per-volume replication feeds.
func (h *handlers) handleReplicate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.store.get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	net := v.Network()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			updates := net.ProcessPendingNetworkReplications()
			deltas := net.ProcessNetworkDeltaReplications()
			if len(updates) == 0 && len(deltas) == 0 {
				continue
			}
			zones := make([]octree.NodeIndex, 0, len(updates))
			for _, u := range updates {
				zones = append(zones, u.Zone)
			}
			payload := struct {
				Updates []octree.NodeIndex `json:"updated_zones"`
				Deltas  int                `json:"delta_count"`
			}{
				Updates: zones,
				Deltas:  len(deltas),
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}
