package transport

import (
	"net/http"

	"github.com/pitabwire/approvals/model"
)

// listTypes returns every registered type. With ?creatable=true only the
// types the caller may open are returned.
func (h *handlers) listTypes(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	creatable := r.URL.Query().Get("creatable") == "true"

	all := h.types.All()
	out := make([]model.ApplicationType, 0, len(all))
	for _, t := range all {
		if creatable && !h.policy.CanCreate(rctx, &t) {
			continue
		}
		out = append(out, t)
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":        out,
		"total_count": len(out),
	})
}

func (h *handlers) getType(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "typeId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t, ok := h.types.Lookup(id)
	if !ok {
		h.fail(w, r, model.NewTypeNotFoundError(id))
		return
	}
	WriteJSON(w, http.StatusOK, t)
}
