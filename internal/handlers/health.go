package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lumenshop/api/internal/platform/httpx"
	"github.com/lumenshop/api/internal/services"
)

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService wires the system service used for readiness probes.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthBuildInfo attaches build metadata to health responses.
func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = build
	}
}

// WithHealthClock overrides the time source, primarily for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs handlers for /healthz and /readyz.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Healthz reports process liveness without touching downstream dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	payload := map[string]any{
		"status":    "ok",
		"timestamp": now.Format(time.RFC3339),
	}
	if v := strings.TrimSpace(h.build.Version); v != "" {
		payload["version"] = v
	}
	if sha := strings.TrimSpace(h.build.CommitSHA); sha != "" {
		payload["commitSha"] = sha
	}
	if env := strings.TrimSpace(h.build.Environment); env != "" {
		payload["environment"] = env
	}
	if !h.build.StartedAt.IsZero() {
		payload["uptime"] = now.Sub(h.build.StartedAt).String()
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz probes downstream dependencies through the system service and
// returns 503 unless every component reports ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_unavailable", "system service is unavailable", http.StatusServiceUnavailable))
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_probe_failed", "failed to collect dependency health", http.StatusServiceUnavailable))
		return
	}

	details := make([]string, 0)
	for name, state := range report.Components {
		if state == "ok" || state == "" {
			continue
		}
		details = append(details, fmt.Sprintf("%s: %s", name, state))
	}
	sort.Strings(details)

	payload := map[string]any{
		"status":     report.Status,
		"components": report.Components,
		"details":    details,
		"checkedAt":  formatTime(report.CheckedAt),
	}
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, payload)
}
