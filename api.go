package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
)

// APIServer is the operator-facing HTTP surface: fleet listing,
// session inspection, and the teacher-side controls.
type APIServer struct {
	backend   *EDMOBackend
	catalog   *TaskCatalog
	signaling *SignalingServer
}

func NewAPIServer(backend *EDMOBackend, catalog *TaskCatalog, signaling *SignalingServer) *APIServer {
	return &APIServer{backend: backend, catalog: catalog, signaling: signaling}
}

// Register attaches every API route to the mux.
func (a *APIServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("/controller/", a.signaling.HandleController)
	mux.HandleFunc("/edmos", a.handleEDMOs)
	mux.HandleFunc("/sessions", a.handleSessionList)
	mux.HandleFunc("/sessions/", a.handleSession)
	mux.HandleFunc("/simpleView", a.handleSimpleView)
	mux.HandleFunc("/tasks", a.handleTasks)
}

// handleEDMOs lists the identifiers of every reachable robot.
func (a *APIServer) handleEDMOs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.backend.ConnectedRobots()); err != nil {
		log.Printf("API: failed to encode robot list: %v", err)
	}
}

// handleSessionList summarizes every active session.
func (a *APIServer) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := a.backend.Sessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		log.Printf("API: failed to encode session list: %v", err)
	}
}

// handleSession dispatches /sessions/{id} and its subresources.
func (a *APIServer) handleSession(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		http.Error(w, "Expected /sessions/<identifier>", http.StatusBadRequest)
		return
	}
	session, ok := a.backend.SessionFor(parts[1])
	if !ok {
		http.Error(w, "No such session", http.StatusNotFound)
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(session.Detail()); err != nil {
			log.Printf("API: failed to encode session detail: %v", err)
		}
		return
	}

	if len(parts) != 3 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch parts[2] {
	case "tasks":
		a.setTaskState(w, r, session)
	case "helpEnabled":
		a.setHelpEnabled(w, r, session)
	case "feedback":
		a.sendFeedback(w, r, session)
	default:
		http.NotFound(w, r)
	}
}

// setTaskState flips one task's completion. Both fields must be
// present with the right types; unknown keys are rejected.
func (a *APIServer) setTaskState(w http.ResponseWriter, r *http.Request, session *EDMOSession) {
	var req struct {
		Key       *string `json:"key"`
		Completed *bool   `json:"completed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == nil || req.Completed == nil {
		http.Error(w, `Expected {"key": string, "completed": bool}`, http.StatusBadRequest)
		return
	}
	if !session.SetTasks(*req.Key, *req.Completed) {
		http.Error(w, "No such task", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *APIServer) setHelpEnabled(w http.ResponseWriter, r *http.Request, session *EDMOSession) {
	var req struct {
		Value *bool `json:"Value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		http.Error(w, `Expected {"Value": bool}`, http.StatusBadRequest)
		return
	}
	session.SetHelpEnabled(*req.Value)
	w.WriteHeader(http.StatusOK)
}

// sendFeedback relays the raw request body to the session's players.
func (a *APIServer) sendFeedback(w http.ResponseWriter, r *http.Request, session *EDMOSession) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "Expected a feedback message body", http.StatusBadRequest)
		return
	}
	session.SendFeedback(string(body))
	w.WriteHeader(http.StatusOK)
}

// handleSimpleView reads or writes the global view mode.
func (a *APIServer) handleSimpleView(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]bool{"Value": a.backend.SimpleView()}); err != nil {
			log.Printf("API: failed to encode simple view: %v", err)
		}
	case http.MethodPut:
		var req struct {
			Value *bool `json:"Value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
			http.Error(w, `Expected {"Value": bool}`, http.StatusBadRequest)
			return
		}
		a.backend.SetSimpleView(*req.Value)
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTasks serves the task catalog, localized when ?lang= is given.
func (a *APIServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks := a.catalog.Localized(r.URL.Query().Get("lang"))
	if tasks == nil {
		tasks = []LocalizedTask{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tasks); err != nil {
		log.Printf("API: failed to encode task catalog: %v", err)
	}
}

// normalizePathMiddleware collapses duplicate slashes and strips the
// trailing one so /sessions/ and /sessions hit the same route.
func normalizePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		for strings.Contains(path, "//") {
			path = strings.ReplaceAll(path, "//", "/")
		}
		if len(path) > 1 {
			path = strings.TrimRight(path, "/")
			if path == "" {
				path = "/"
			}
		}
		r.URL.Path = path
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware opens the API to browser controllers served from
// anywhere on the network.
func corsMiddleware(enabled bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if enabled {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// debugLogMiddleware prints one line per request when debug mode is on.
func debugLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		log.Printf("HTTP: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	})
}
