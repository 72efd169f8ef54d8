package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/requests", h.CreateRequest).Methods("POST")
	apiV1.HandleFunc("/requests", h.ListRequests).Methods("GET")
	apiV1.HandleFunc("/requests/{id}", h.GetRequest).Methods("GET")
	apiV1.HandleFunc("/requests/{id}/approve", h.ApproveRequest).Methods("POST")
	apiV1.HandleFunc("/requests/{id}/cancel", h.CancelRequest).Methods("POST")
	apiV1.HandleFunc("/balances/{identity}", h.GetBalance).Methods("GET")
	return r
}
