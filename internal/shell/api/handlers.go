package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/shell/store"
)

type handlers struct {
	store    store.Store
	registry *capability.Registry
	logger   *slog.Logger
}

var knownStatuses = []domain.ExecutionStatus{
	domain.StatusPending,
	domain.StatusRunning,
	domain.StatusSucceeded,
	domain.StatusFailed,
	domain.StatusRolledBack,
	domain.StatusCancelled,
}

// =============================================================================
// Executions
// =============================================================================

func (h *handlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	execs, err := h.store.ListExecutions(r.Context(), opts)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if execs == nil {
		execs = []domain.DeploymentExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": execs,
		"meta": ListMeta{Count: len(execs), Limit: opts.Limit, Offset: opts.Offset},
	})
}

func (h *handlers) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.store.GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": exec})
}

func (h *handlers) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cps, err := h.store.ListCheckpoints(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if len(cps) == 0 {
		if _, err := h.store.GetExecution(r.Context(), id); err != nil {
			h.storeError(w, err)
			return
		}
	}

	views := make([]CheckpointView, 0, len(cps))
	for _, cp := range cps {
		views = append(views, newCheckpointView(cp))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": views,
		"meta": ListMeta{Count: len(views)},
	})
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListAuditEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, err)
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": events,
		"meta": ListMeta{Count: len(events)},
	})
}

// =============================================================================
// Capabilities
// =============================================================================

func (h *handlers) listCapabilities(w http.ResponseWriter, r *http.Request) {
	reg := h.registry
	if name := r.URL.Query().Get("profile"); name != "" {
		p, err := capability.ParseProfile(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if reg, err = capability.NewRegistryForProfile(p); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if reg == nil {
		var err error
		if reg, err = capability.NewRegistryForProfile(capability.ProfileSingle); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	report := reg.Report()
	writeJSON(w, http.StatusOK, map[string]any{
		"data": report,
		"meta": map[string]any{
			"count":   len(report),
			"enabled": reg.Enabled(),
			"mode":    reg.Mode(),
		},
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *handlers) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error("store request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "storage error")
}

// parseListOptions reads status, page[size] and page[offset].
func parseListOptions(r *http.Request) (store.ListOptions, error) {
	q := r.URL.Query()
	opts := store.DefaultListOptions()

	if v := q.Get("page[size]"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, errors.New("page[size] must be an integer")
		}
		opts.Limit = n
	}
	if v := q.Get("page[offset]"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, errors.New("page[offset] must be an integer")
		}
		opts.Offset = n
	}
	if v := q.Get("status"); v != "" {
		s := domain.ExecutionStatus(v)
		known := false
		for _, k := range knownStatuses {
			if k == s {
				known = true
				break
			}
		}
		if !known {
			return opts, errors.New("unknown status " + strconv.Quote(v))
		}
		opts.Status = s
	}
	return opts.Normalize(), nil
}
