package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteDetail writes the standard error body.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, map[string]string{"detail": detail})
}

// QueryInt extracts an integer query parameter, falling back to def.
func QueryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// QueryString extracts a query parameter.
func QueryString(r *http.Request, name string) string {
	return r.URL.Query().Get(name)
}

// DecodeJSONObject reads the body as a JSON object. The error message is
// client-facing.
func DecodeJSONObject(r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("Invalid JSON body")
	}
	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("Invalid JSON body")
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("JSON payload must be an object")
	}
	return obj, nil
}
