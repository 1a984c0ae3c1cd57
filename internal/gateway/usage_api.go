package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/diatonic-ai/nexus-metering/internal/metering"
	"github.com/diatonic-ai/nexus-metering/internal/store"
	"github.com/diatonic-ai/nexus-metering/pkg/models"
	"go.uber.org/zap"
)

const defaultDailyWindow = 30 // days

// usageReport is the ingest payload workbench services POST when they have
// metered an operation themselves instead of going through an adapter.
type usageReport struct {
	UserID    string           `json:"user_id"`
	Meter     models.MeterKind `json:"meter"`
	Quantity  int64            `json:"quantity"`
	Provider  string           `json:"provider"`
	Model     string           `json:"model,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
}

// handleEmitUsage accepts a batch of usage reports for the calling tenant.
// Emission is fire-and-forget, so the response acknowledges acceptance, not
// durability.
func (g *Gateway) handleEmitUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFromContext(ctx)

	var reports []usageReport
	if err := json.NewDecoder(r.Body).Decode(&reports); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(reports) == 0 {
		g.writeError(w, http.StatusBadRequest, "no usage reports in body")
		return
	}

	samples := make([]metering.Sample, 0, len(reports))
	for _, rep := range reports {
		if !rep.Meter.Valid() {
			g.writeError(w, http.StatusBadRequest, "unknown meter kind "+string(rep.Meter))
			return
		}
		if rep.Quantity < 0 {
			g.writeError(w, http.StatusBadRequest, "quantity must not be negative")
			return
		}
		samples = append(samples, metering.Sample{
			TenantID:  tenantID,
			UserID:    rep.UserID,
			Meter:     rep.Meter,
			Quantity:  rep.Quantity,
			Provider:  rep.Provider,
			Model:     rep.Model,
			RequestID: rep.RequestID,
		})
	}

	g.emitter.EmitAll(ctx, samples)
	g.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": len(samples),
	})
}

// handleListUsage returns the raw usage events for one UTC day.
// Accepts ?day=YYYY-MM-DD, defaulting to today.
func (g *Gateway) handleListUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFromContext(ctx)

	day := models.Day(time.Now().UTC())
	if v := r.URL.Query().Get("day"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "invalid day, expected YYYY-MM-DD")
			return
		}
		day = models.Day(parsed)
	}

	events, err := g.usage.ListUsageEvents(ctx, tenantID, day)
	if err != nil {
		g.logger.Error("failed to query usage events",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"day":       day.Format("2006-01-02"),
		"events":    events,
	})
}

// handleListDailyUsage returns the daily aggregates the dashboards render.
// Accepts ?from= and ?to= (YYYY-MM-DD), defaulting to the last 30 days.
func (g *Gateway) handleListDailyUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFromContext(ctx)

	to := models.Day(time.Now().UTC())
	from := to.AddDate(0, 0, -defaultDailyWindow)

	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "invalid from, expected YYYY-MM-DD")
			return
		}
		from = models.Day(parsed)
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "invalid to, expected YYYY-MM-DD")
			return
		}
		to = models.Day(parsed)
	}
	if to.Before(from) {
		g.writeError(w, http.StatusBadRequest, "to must not precede from")
		return
	}

	aggregates, err := g.aggregates.ListAggregates(ctx, tenantID, from, to)
	if err != nil {
		g.logger.Error("failed to query daily aggregates",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":  tenantID,
		"from":       from.Format("2006-01-02"),
		"to":         to.Format("2006-01-02"),
		"aggregates": aggregates,
	})
}

// handleGetTenant returns the caller's billing profile and plan limits.
func (g *Gateway) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFromContext(ctx)

	tenant, err := g.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		g.logger.Error("failed to query tenant",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to query tenant")
		return
	}

	g.writeJSON(w, http.StatusOK, tenant)
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
