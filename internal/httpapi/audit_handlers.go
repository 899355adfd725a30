package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pressline.org/internal/audit"
	"pressline.org/internal/obs"
)

func (a *API) listActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseInt(q.Get("limit"), 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("limit: %v", err))
		return
	}
	offset, err := parseInt(q.Get("offset"), 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("offset: %v", err))
		return
	}
	page, err := a.deps.Audit.Query(r.Context(), audit.Filter{
		UserID: q.Get("user_id"),
		Action: audit.Action(strings.TrimSpace(q.Get("action"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) purgeActivity(w http.ResponseWriter, r *http.Request) {
	days, err := parseInt(r.URL.Query().Get("older_than_days"), 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("older_than_days: %v", err))
		return
	}
	n, err := a.deps.Audit.Purge(r.Context(), days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	obs.Info("activity log purged", map[string]any{
		"user_id":         principal(r).UserID,
		"older_than_days": days,
		"deleted":         n,
		"request_id":      RequestIDFromContext(r.Context()),
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// streamActivity pushes newly recorded entries as Server-Sent Events.
func (a *API) streamActivity(w http.ResponseWriter, r *http.Request) {
	feed := a.deps.Audit.Feed()
	if feed == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	action := audit.Action(strings.TrimSpace(r.URL.Query().Get("action")))
	if action != "" && !action.Valid() {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := feed.Subscribe(r.Context())

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	for entry := range ch {
		if action != "" && entry.Action != action {
			continue
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", entry.ID, entry.Action, payload)
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func parseInt(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	return v, nil
}
