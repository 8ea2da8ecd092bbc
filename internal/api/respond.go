package api

import (
	"encoding/json"
	"net/http"

	"github.com/kenneth/dragondrop/internal/apierr"
)

// respond writes the success envelope.
func respond(w http.ResponseWriter, status int, response interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":  true,
		"response": response,
	})
}

// respondError writes the failure envelope for a typed error.
func respondError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.StatusOf(err))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": apierr.MessageOf(err),
	})
}
