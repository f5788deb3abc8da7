package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/inkwell-cms/apiserver/types"
)

// Reconciler runs orphan reconciliation passes.
type Reconciler interface {
	Reconcile(ctx context.Context, kind types.ResourceKind) (types.ReconcileReport, error)
	Plan(ctx context.Context, kind types.ResourceKind) (types.ReconcileReport, error)
}

// AdminRouter registers operator routes. Every route requires an admin token.
func AdminRouter(r chi.Router, reconciler Reconciler, authMiddleware func(http.Handler) http.Handler) {
	r.With(authMiddleware, RequireAdmin).Post("/reconcile/{kind}", func(w http.ResponseWriter, r *http.Request) {
		kind, err := parseKind(r)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}

		dryRun := false
		if raw := strings.TrimSpace(r.URL.Query().Get("dry_run")); raw != "" {
			dryRun, err = strconv.ParseBool(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid dry_run")
				return
			}
		}

		run := reconciler.Reconcile
		if dryRun {
			run = reconciler.Plan
		}
		report, err := run(r.Context(), kind)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})
}
