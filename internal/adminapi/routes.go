// Package adminapi exposes the operator-facing HTTP surface: key
// status, pool statistics, and maintenance triggering. Every route
// requires the bearer-cookie credential checked by CookieAuthenticator.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/omarluq/gemini-relay/internal/health"
	"github.com/omarluq/gemini-relay/internal/keyregistry"
	"github.com/omarluq/gemini-relay/internal/validpool"
)

// Options bundles the dependencies routes.go needs to answer the
// admin surface's five endpoints.
type Options struct {
	Registry *keyregistry.Registry
	Pool     *validpool.Pool
	Auth     *CookieAuthenticator
	// Tracker and UpstreamName are optional: when Tracker is nil,
	// /api/health reports unconditionally healthy, matching the
	// behavior before the upstream circuit breaker was wired in.
	Tracker      *health.Tracker
	UpstreamName string
}

// SetupRoutes builds the admin mux, wrapping every handler in Auth's
// middleware.
func SetupRoutes(opts Options) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /api/keys", opts.Auth.Middleware(http.HandlerFunc(opts.handleListKeys)))
	mux.Handle("GET /api/keys/all", opts.Auth.Middleware(http.HandlerFunc(opts.handleAllKeys)))
	mux.Handle("GET /api/keys/status", opts.Auth.Middleware(http.HandlerFunc(opts.handleStatus)))
	mux.Handle("POST /api/keys/pool/maintenance", opts.Auth.Middleware(http.HandlerFunc(opts.handleMaintenance)))
	mux.HandleFunc("GET /api/health", opts.handleHealth)

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleListKeys answers GET /api/keys?page=&limit=&search=&fail_count_threshold=&status=.
func (o Options) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := atoiDefault(q.Get("page"), 1)
	limit := atoiDefault(q.Get("limit"), 50)
	search := q.Get("search")
	status := q.Get("status")
	failThreshold := atoiDefault(q.Get("fail_count_threshold"), -1)

	all := o.Registry.All()
	validSet := make(map[keyregistry.Credential]struct{}, len(o.Registry.Valid()))
	for _, c := range o.Registry.Valid() {
		validSet[c] = struct{}{}
	}

	keys := make(map[string]int)
	for _, c := range all {
		if search != "" && !strings.Contains(string(c), search) {
			continue
		}
		_, isValid := validSet[c]
		switch status {
		case "valid":
			if !isValid {
				continue
			}
		case "invalid":
			if isValid {
				continue
			}
		}

		fc := o.Registry.FailureCount(c)
		if failThreshold >= 0 && fc < failThreshold {
			continue
		}
		keys[string(c)] = fc
	}

	totalItems := len(keys)
	totalPages := (totalItems + limit - 1) / limit
	if totalPages == 0 {
		totalPages = 1
	}

	writeJSON(w, map[string]any{
		"keys":         paginate(keys, page, limit),
		"total_items":  totalItems,
		"total_pages":  totalPages,
		"current_page": page,
	})
}

func paginate(keys map[string]int, page, limit int) map[string]int {
	if limit <= 0 {
		return keys
	}
	start := (page - 1) * limit
	out := make(map[string]int)
	i := 0
	for k, v := range keys {
		if i >= start && i < start+limit {
			out[k] = v
		}
		i++
	}
	return out
}

// handleAllKeys answers GET /api/keys/all.
func (o Options) handleAllKeys(w http.ResponseWriter, _ *http.Request) {
	all := o.Registry.All()
	valid := o.Registry.Valid()
	validSet := make(map[keyregistry.Credential]struct{}, len(valid))
	for _, c := range valid {
		validSet[c] = struct{}{}
	}

	var invalidKeys []string
	validKeys := make([]string, 0, len(valid))
	for _, c := range all {
		if _, ok := validSet[c]; ok {
			validKeys = append(validKeys, string(c))
		} else {
			invalidKeys = append(invalidKeys, string(c))
		}
	}

	writeJSON(w, map[string]any{
		"valid_keys":   validKeys,
		"invalid_keys": invalidKeys,
		"total_count":  len(all),
	})
}

// handleStatus answers GET /api/keys/status with a full KR+VKP stats
// snapshot.
func (o Options) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"registry": map[string]any{
			"total_count": len(o.Registry.All()),
			"valid_count": len(o.Registry.Valid()),
		},
	}

	if o.Pool != nil {
		resp["pool"] = map[string]any{
			"size":                    o.Pool.Size(),
			"hits":                    o.Pool.Stats.Hits.Load(),
			"misses":                  o.Pool.Stats.Misses.Load(),
			"usage_exhausted_removed": o.Pool.Stats.UsageExhaustedRemoved.Load(),
			"expired_removed":         o.Pool.Stats.ExpiredRemoved.Load(),
			"emergency_refills":       o.Pool.Stats.EmergencyRefills.Load(),
			"maintenance_runs":        o.Pool.Stats.MaintenanceRuns.Load(),
		}
	}

	writeJSON(w, resp)
}

// handleMaintenance answers POST /api/keys/pool/maintenance, invoking
// maintain() synchronously and reporting before/after pool size. A
// nil Pool (pooling disabled in config) is reported rather than
// triggering a maintenance cycle.
func (o Options) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if o.Pool == nil {
		writeJSON(w, map[string]any{"pool_enabled": false})
		return
	}

	before := o.Pool.Size()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	o.Pool.Maintain(ctx)

	after := o.Pool.Size()

	writeJSON(w, map[string]any{
		"pool_size_before": before,
		"pool_size_after":  after,
		"utilization":      float64(after) / float64(max(1, o.Pool.Capacity())),
	})
}

// handleHealth answers GET /api/health. When an upstream health
// tracker is wired in, the reported status reflects the upstream's
// circuit breaker state (open/half-open/closed) rather than just this
// process's own liveness.
func (o Options) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if o.Tracker == nil {
		writeJSON(w, map[string]any{"status": "ok"})
		return
	}

	healthy := o.Tracker.IsHealthyFunc(o.UpstreamName)()
	status := "ok"
	if !healthy {
		status = "degraded"
	}

	writeJSON(w, map[string]any{
		"status":         status,
		"upstream_state": o.Tracker.GetState(o.UpstreamName).String(),
	})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
