package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/relay/registry"
)

// ActivityHandler serves the recent-activity feed the dashboard polls.
type ActivityHandler struct {
	Registry *registry.Registry
}

func (h ActivityHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	activity := h.Registry.ActivitySnapshot()
	sort.Slice(activity, func(i, j int) bool {
		return activity[i].LastActivity.After(activity[j].LastActivity)
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"activeCount": h.Registry.Len(),
		"recent":      activity,
	})
}
