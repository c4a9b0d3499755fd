package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// apiResult is the success/text envelope most mutating endpoints answer with.
type apiResult struct {
	Success bool        `json:"success"`
	Text    string      `json:"text,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, text string) {
	writeJSON(w, http.StatusOK, apiResult{Success: true, Text: text})
}

func writeError(w http.ResponseWriter, status int, text string) {
	writeJSON(w, status, apiResult{Success: false, Text: text})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("bad request body: %w", err)
	}
	return nil
}

func muxVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}
