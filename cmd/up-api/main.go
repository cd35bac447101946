package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	flag "github.com/spf13/pflag"

	"UDPulse/internal/config"
	"UDPulse/internal/query"
)

func main() {
	configPath := flag.StringP("config", "c", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if !cfg.ClickHouse.Enabled {
		log.Fatalf("ClickHouse is not enabled in config. API server cannot start.")
	}
	if cfg.API.ListenAddr == "" {
		log.Fatalf("api.listen_addr is not set. API server cannot start.")
	}

	querier, err := query.NewClickHouseQuerier(cfg.ClickHouse)
	if err != nil {
		log.Fatalf("Failed to create querier: %v", err)
	}
	defer querier.Close()

	r := mux.NewRouter()
	apiHandler := &APIHandler{querier: querier}

	r.HandleFunc("/api/v1/flows", apiHandler.flowSummariesHandler).Methods("GET")
	r.HandleFunc("/api/v1/flows/{id}/samples", apiHandler.recentSamplesHandler).Methods("GET")

	server := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("API server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", server.Addr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("API server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("API server exited.")
}

// APIHandler holds the dependencies for API handlers.
type APIHandler struct {
	querier query.Querier
}

// flowSummariesHandler serves per-flow RTT aggregates. Optional query
// parameters: flow_id, since, until (RFC 3339).
func (h *APIHandler) flowSummariesHandler(w http.ResponseWriter, r *http.Request) {
	var req query.SummaryRequest

	if v := r.URL.Query().Get("flow_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid flow_id: %v", err), http.StatusBadRequest)
			return
		}
		flowID := uint32(id)
		req.FlowID = &flowID
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid since: %v", err), http.StatusBadRequest)
			return
		}
		req.Since = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid until: %v", err), http.StatusBadRequest)
			return
		}
		req.Until = t
	}

	summaries, err := h.querier.FlowSummaries(r.Context(), req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query flows: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, summaries)
}

// recentSamplesHandler serves the latest stored samples for one flow.
func (h *APIHandler) recentSamplesHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["id"], 10, 32)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid flow id: %v", err), http.StatusBadRequest)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid limit: %v", err), http.StatusBadRequest)
			return
		}
	}

	samples, err := h.querier.RecentSamples(r.Context(), uint32(id), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query samples: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, samples)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(jsonBytes)
}
