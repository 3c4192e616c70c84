// Package sd serves the fleet's service-discovery and status endpoints:
// Prometheus HTTP SD over the overlay addresses, and a drift report.
// Read-only; nothing here mutates fleet state.
package sd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tnorth/btcfleet/internal/core/inventory"
	"github.com/tnorth/btcfleet/internal/core/netplan"
	"github.com/tnorth/btcfleet/internal/shell/orchestrator"
)

// =============================================================================
// Handler
// =============================================================================

// StatusProvider yields the per-host drift report, satisfied by the
// orchestrator.
type StatusProvider interface {
	Status(ctx context.Context) ([]orchestrator.HostStatus, error)
}

// Handler serves the discovery and status endpoints.
type Handler struct {
	inventory *inventory.Inventory
	status    StatusProvider
	logger    *slog.Logger
}

// NewHandler creates a handler over a validated inventory.
func NewHandler(inv *inventory.Inventory, status StatusProvider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		inventory: inv,
		status:    status,
		logger:    logger.With("component", "sd"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)

	r.Get("/health", h.handleHealth)
	r.Get("/sd/prom", h.handlePromSD)
	r.Get("/status", h.handleStatus)

	return r
}

func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Prometheus HTTP SD
// =============================================================================

// TargetGroup is one entry of the Prometheus HTTP SD response.
type TargetGroup struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePromSD emits one target group per host: the node and bitcoind
// exporters on the host's overlay address. Hosts outside every overlay
// are scraped on their SSH hostname.
func (h *Handler) handlePromSD(w http.ResponseWriter, _ *http.Request) {
	plan, planErrs := netplan.PlanAll(h.inventory)
	for name, err := range planErrs {
		h.logger.Warn("network excluded from discovery", "network", name, "error", err)
	}

	groups := make([]TargetGroup, 0, len(h.inventory.Hosts))
	for i := range h.inventory.Hosts {
		host := &h.inventory.Hosts[i]

		addr := host.SSHHostname
		for _, netName := range host.Networks {
			if a, ok := plan.Assignment(netName, host.Name); ok {
				addr = a.Address.String()
				break
			}
		}

		targets := []string{fmt.Sprintf("%s:%d", addr, host.PromExporterPort)}
		if host.Role == inventory.RoleNode {
			targets = append(targets, fmt.Sprintf("%s:%d", addr, host.BitcoindExporterPort))
		}

		groups = append(groups, TargetGroup{
			Targets: targets,
			Labels: map[string]string{
				"host": host.Name,
				"role": string(host.Role),
				"tags": strings.Join(host.Tags, ","),
			},
		})
	}

	h.writeJSON(w, http.StatusOK, groups)
}

// =============================================================================
// Fleet Status
// =============================================================================

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.status.Status(r.Context())
	if err != nil {
		h.logger.Error("status report failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "status report failed")
		return
	}

	h.writeJSON(w, http.StatusOK, statuses)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
