package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every HTTP route of the rule engine
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.health).Methods("GET")
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	r.HandleFunc("/meters", h.listMeters).Methods("GET")
	r.HandleFunc("/meters", h.createMeter).Methods("POST")
	r.HandleFunc("/meters/{id}", h.getMeter).Methods("GET")
	r.HandleFunc("/meters/{id}", h.updateMeter).Methods("PUT")
	r.HandleFunc("/meters/{id}", h.deleteMeter).Methods("DELETE")
	r.HandleFunc("/meters/{id}/group", h.moveMeter).Methods("PUT")

	r.HandleFunc("/meters/{id}/conditions", h.addCondition).Methods("POST")
	r.HandleFunc("/meters/{id}/conditions/{cid}", h.updateCondition).Methods("PUT")
	r.HandleFunc("/meters/{id}/conditions/{cid}", h.removeCondition).Methods("DELETE")
	r.HandleFunc("/meters/{id}/conditions/{cid}/reset", h.resetFiring).Methods("POST")

	r.HandleFunc("/meters/{id}/readings", h.recordReading).Methods("POST")
	r.HandleFunc("/meters/{id}/readings", h.listReadings).Methods("GET")
	r.HandleFunc("/readings/{id}", h.deleteReading).Methods("DELETE")

	return r
}
