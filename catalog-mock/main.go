// A stand-in for the campaign catalog service, for local development of the
// pacer. Serves a handful of campaigns across every pacing mode and lets you
// mutate them at runtime to watch the pacer react. Not the real catalog.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Campaign struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	DailyBudgetCents int64  `json:"daily_budget_cents"`
	TotalBudgetCents int64  `json:"total_budget_cents,omitempty"`
	ActiveFrom       string `json:"active_from,omitempty"`
	ActiveTo         string `json:"active_to,omitempty"`
	PacingMode       string `json:"pacing_mode,omitempty"`
	PacingAlgorithm  string `json:"pacing_algorithm,omitempty"`
	Status           string `json:"status"`
	StartHour        int    `json:"start_hour,omitempty"`
	Version          int64  `json:"version"`
}

var (
	mu        sync.Mutex
	campaigns = map[string]*Campaign{
		"camp-even": {
			ID: "camp-even", Name: "Steady Retail",
			DailyBudgetCents: 1000000, PacingMode: "EVEN", Status: "ACTIVE", Version: 1,
		},
		"camp-asap": {
			ID: "camp-asap", Name: "Flash Sale",
			DailyBudgetCents: 500000, PacingMode: "ASAP", Status: "ACTIVE", Version: 1,
		},
		"camp-front": {
			ID: "camp-front", Name: "Morning Commute",
			DailyBudgetCents: 750000, PacingMode: "FRONT_LOADED", Status: "ACTIVE", Version: 1,
		},
		"camp-adaptive": {
			ID: "camp-adaptive", Name: "Autopilot",
			DailyBudgetCents: 2000000, TotalBudgetCents: 50000000,
			PacingMode: "ADAPTIVE", Status: "ACTIVE", Version: 1,
		},
		"camp-evening": {
			ID: "camp-evening", Name: "Prime Time",
			DailyBudgetCents: 300000, PacingMode: "EVEN", Status: "ACTIVE",
			StartHour: 18, Version: 1,
		},
		"camp-paused": {
			ID: "camp-paused", Name: "On Hold",
			DailyBudgetCents: 400000, PacingMode: "EVEN", Status: "PAUSED", Version: 1,
		},
		// Published with the catalog's pre-v2 field names, for exercising
		// the compatibility mapping.
		"camp-legacy": {
			ID: "camp-legacy", Name: "Old Publisher",
			DailyBudgetCents: 250000, PacingAlgorithm: "EVEN", Status: "ACTIVE",
			ActiveFrom: "2024-01-01", ActiveTo: "2099-12-31", Version: 1,
		},
	}
)

// latency simulates a catalog that answers slowly, for exercising the
// pacer's fetch bound and negative cache. CATALOG_LATENCY_MS, default 0.
var latency time.Duration

func handleList(w http.ResponseWriter, r *http.Request) {
	time.Sleep(latency)
	status := r.URL.Query().Get("status")

	mu.Lock()
	out := make([]*Campaign, 0, len(campaigns))
	for _, c := range campaigns {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func handleCampaign(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/campaigns/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		time.Sleep(latency)
		mu.Lock()
		c, ok := campaigns[id]
		mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c)

	case http.MethodPut, http.MethodPost:
		var c Campaign
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, "Invalid campaign", http.StatusBadRequest)
			return
		}
		c.ID = id
		mu.Lock()
		if c.Version == 0 {
			if prev, ok := campaigns[id]; ok {
				c.Version = prev.Version + 1
			} else {
				c.Version = 1
			}
		}
		campaigns[id] = &c
		mu.Unlock()
		log.Printf("Campaign %s updated to version %d", id, c.Version)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&c)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "catalog-mock",
	})
}

func main() {
	if ms, err := strconv.Atoi(os.Getenv("CATALOG_LATENCY_MS")); err == nil && ms > 0 {
		latency = time.Duration(ms) * time.Millisecond
	}

	http.HandleFunc("/campaigns", handleList)
	http.HandleFunc("/campaigns/", handleCampaign)
	http.HandleFunc("/health", handleHealth)

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	log.Printf("Mock campaign catalog listening on :%s (latency %s)", port, latency)
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatal(err)
	}
}
