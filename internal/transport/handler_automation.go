package transport

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

type sweepResponse struct {
	Changed      []int64 `json:"changed"`
	AutoApproved int     `json:"auto_approved"`
	Bounced      int     `json:"bounced"`
	Refreshed    int     `json:"refreshed"`
	Cleared      int     `json:"cleared"`
	Error        string  `json:"error,omitempty"`
}

// runSweep triggers one automation pass. Administrators only. A pass that
// failed on some bundles still reports what it changed.
func (h *handlers) runSweep(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	if !h.policy.IsAdmin(rctx) {
		WriteForbidden(w, "administrators only")
		return
	}

	res, err := h.svc.RunAutomationSweep(r.Context())
	if err != nil && res.Bundles == nil {
		h.fail(w, r, err)
		return
	}

	resp := sweepResponse{
		Changed:      res.Changed,
		AutoApproved: res.AutoApproved,
		Bounced:      res.Bounced,
		Refreshed:    res.Refreshed,
		Cleared:      res.Cleared,
	}
	if resp.Changed == nil {
		resp.Changed = []int64{}
	}
	if err != nil {
		resp.Error = err.Error()
		observability.RequestLogger(r.Context(), h.logger).Warn("manual sweep finished with failures", zap.Error(err))
	}
	WriteJSON(w, http.StatusOK, resp)
}
