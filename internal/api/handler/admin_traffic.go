package handler

import (
	"log/slog"
	"net/http"

	"github.com/creamcroissant/nodeboard/internal/service"
)

// AdminTrafficHandler 流量统计查询。
type AdminTrafficHandler struct {
	traffic service.TrafficService
	logger  *slog.Logger
}

func NewAdminTrafficHandler(traffic service.TrafficService, logger *slog.Logger) *AdminTrafficHandler {
	return &AdminTrafficHandler{traffic: traffic, logger: logger}
}

// Overview handles GET /traffic/overview?since=<unix>
func (h *AdminTrafficHandler) Overview(w http.ResponseWriter, r *http.Request) {
	since, err := optionalInt64(r.URL.Query().Get("since"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "admin.traffic.overview", "invalid since")
		return
	}
	var from int64
	if since != nil {
		from = *since
	}
	overview, err := h.traffic.Overview(r.Context(), from)
	if err != nil {
		respondServiceError(w, h.logger, "admin.traffic.overview", err)
		return
	}
	respondData(w, http.StatusOK, overview)
}

// Logs handles GET /traffic/logs?subscription_id=&node_id=&since=&until=&page=&page_size=
func (h *AdminTrafficHandler) Logs(w http.ResponseWriter, r *http.Request) {
	query, ok := trafficQuery(w, r, "admin.traffic.logs")
	if !ok {
		return
	}
	page, err := h.traffic.Logs(r.Context(), query)
	if err != nil {
		respondServiceError(w, h.logger, "admin.traffic.logs", err)
		return
	}
	respondData(w, http.StatusOK, page)
}

func trafficQuery(w http.ResponseWriter, r *http.Request, action string) (service.TrafficLogQuery, bool) {
	values := r.URL.Query()
	var query service.TrafficLogQuery
	var err error
	if query.SubscriptionID, err = optionalInt64(values.Get("subscription_id")); err != nil {
		respondError(w, http.StatusBadRequest, action, "invalid subscription_id")
		return query, false
	}
	if query.NodeID, err = optionalInt64(values.Get("node_id")); err != nil {
		respondError(w, http.StatusBadRequest, action, "invalid node_id")
		return query, false
	}
	for key, dst := range map[string]*int64{"since": &query.Since, "until": &query.Until} {
		v, err := optionalInt64(values.Get(key))
		if err != nil {
			respondError(w, http.StatusBadRequest, action, "invalid "+key)
			return query, false
		}
		if v != nil {
			*dst = *v
		}
	}
	query.Page, query.PageSize = pageParams(r)
	return query, true
}
