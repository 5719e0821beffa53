// mockmcp is a stand-in MCP backend for exercising the orchestrator locally.
// It serves /health plus the domain endpoints of one service type, so a full
// stack can be simulated by running one instance per configured service.
//
// Usage:
//
//	go run mockmcp.go -port 8081 -type memory
//	go run mockmcp.go -port 8082 -type filesystem
//
// The -fail-rate flag makes a fraction of requests return 500, which is
// handy for watching retries and circuit breakers in action.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

var endpointsByType = map[string][]string{
	"memory":     {"store", "retrieve", "search"},
	"filesystem": {"read_file", "write_file", "list_dir"},
	"git":        {"commit", "diff"},
	"vector":     {"embed", "search"},
}

func main() {
	port := flag.Int("port", 8081, "port to listen on")
	serviceType := flag.String("type", "memory", "service type to simulate (memory, filesystem, git, vector)")
	failRate := flag.Float64("fail-rate", 0, "fraction of requests answered with 500")
	flag.Parse()

	endpoints, ok := endpointsByType[*serviceType]
	if !ok {
		log.Fatalf("unknown service type %q", *serviceType)
	}

	var mutex sync.Mutex
	store := make(map[string]any)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	for _, endpoint := range endpoints {
		endpoint := endpoint
		mux.HandleFunc("/"+endpoint, func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			log.Printf("request: method=%s path=%s from=%s body=%s", r.Method, r.URL.Path, r.RemoteAddr, string(body))

			if *failRate > 0 && rand.Float64() < *failRate {
				http.Error(w, "simulated failure", http.StatusInternalServerError)
				return
			}

			var payload map[string]any
			if len(body) > 0 {
				if err := json.Unmarshal(body, &payload); err != nil {
					http.Error(w, "invalid json", http.StatusBadRequest)
					return
				}
			}

			resp := map[string]any{
				"service":   *serviceType,
				"endpoint":  endpoint,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}

			// The memory simulation actually remembers values, so store
			// followed by retrieve behaves like the real backend.
			if *serviceType == "memory" {
				key, _ := payload["key"].(string)
				mutex.Lock()
				switch endpoint {
				case "store":
					store[key] = payload["value"]
					resp["stored"] = true
				case "retrieve":
					if key == "" {
						key = r.URL.Query().Get("key")
					}
					resp["value"] = store[key]
				}
				mutex.Unlock()
			}

			b, _ := json.Marshal(resp)
			w.Header().Set("Content-Type", "application/json")
			w.Write(b)
		})
	}

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("starting mock %s backend on %s", *serviceType, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
