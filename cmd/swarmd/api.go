package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/guido-cesarano/agentswarm/pkg/logger"
	"github.com/guido-cesarano/agentswarm/pkg/queue"
	"github.com/guido-cesarano/agentswarm/pkg/swarm"
	"github.com/guido-cesarano/agentswarm/pkg/tasks"
)

// inspectLimit caps the tasks returned by /tasks.
const inspectLimit = 50

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		// Preflight requests never carry the API key
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func method(m string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}

type enqueueRequest struct {
	Description    string      `json:"description"`
	Type           string      `json:"type"`
	Specialization string      `json:"specialization"`
	Priority       string      `json:"priority"`
	Payload        interface{} `json:"payload"`
	MaxAttempts    int         `json:"max_attempts"`
}

func (req enqueueRequest) spec() (tasks.Spec, tasks.Priority, error) {
	if req.Description == "" && req.Type == "" {
		return tasks.Spec{}, 0, errors.New("description or type is required")
	}
	p, err := tasks.ParsePriority(req.Priority)
	if err != nil {
		return tasks.Spec{}, 0, err
	}
	return tasks.Spec{
		Description:    req.Description,
		Type:           req.Type,
		Specialization: req.Specialization,
		Payload:        req.Payload,
		MaxAttempts:    req.MaxAttempts,
	}, p, nil
}

// statsResponse keys pending counts by priority name.
type statsResponse struct {
	Queue struct {
		tasks.Statistics
		ByPriority map[string]int `json:"by_priority"`
	} `json:"queue"`
	Bus interface{} `json:"bus"`
}

// setupRouter configures the HTTP handlers and returns the mux.
// Every route is wrapped as CORS(Auth(handler)) so preflight requests never hit auth.
func setupRouter(orch *swarm.Orchestrator, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(path, m string, h http.HandlerFunc) {
		mux.HandleFunc(path, enableCORS(authMiddleware(method(m, h), apiKey)))
	}

	handle("/enqueue", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		spec, p, err := req.spec()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		task := orch.Submit(spec, p)
		writeJSON(w, http.StatusAccepted, task)
	})

	handle("/cancel", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == "" {
			http.Error(w, "Missing task ID", http.StatusBadRequest)
			return
		}
		if req.Reason == "" {
			req.Reason = "cancelled via API"
		}

		if !orch.CancelTask(req.ID, req.Reason) {
			http.Error(w, "Task not found or already finished", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": req.ID, "cancelled": true})
	})

	handle("/schedule", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Spec string `json:"spec"` // Cron expression (e.g. "@every 1m")
			enqueueRequest
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		spec, p, err := req.enqueueRequest.spec()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		entryID, err := orch.Schedule(req.Spec, spec, p)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid cron spec: %v", err), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"entry_id": entryID, "spec": req.Spec})
	})

	handle("/task", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("id")
		if taskID == "" {
			http.Error(w, "Missing task ID", http.StatusBadRequest)
			return
		}
		task, ok := orch.Task(taskID)
		if !ok {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, task)
	})

	handle("/result", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("id")
		if taskID == "" {
			http.Error(w, "Missing task ID", http.StatusBadRequest)
			return
		}

		result, err := orch.Result(r.Context(), taskID)
		if errors.Is(err, queue.ErrResultNotFound) {
			http.Error(w, "Result not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	handle("/tasks", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("priority")
		if name == "" {
			http.Error(w, "Missing priority parameter", http.StatusBadRequest)
			return
		}
		p, err := tasks.ParsePriority(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit := inspectLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n < inspectLimit {
				limit = n
			}
		}
		writeJSON(w, http.StatusOK, orch.InspectQueue(p, limit))
	})

	handle("/stats", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		var resp statsResponse
		resp.Queue.Statistics = orch.QueueStatistics()
		resp.Queue.ByPriority = make(map[string]int, len(resp.Queue.Statistics.ByPriority))
		for p, n := range resp.Queue.Statistics.ByPriority {
			resp.Queue.ByPriority[p.String()] = n
		}
		resp.Bus = orch.BusStatistics()
		writeJSON(w, http.StatusOK, resp)
	})

	handle("/health", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, orch.AllHealth())
	})

	return mux
}
