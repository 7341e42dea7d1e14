// CLAUDE:SUMMARY HTTP guard middleware for the stream store API — response security headers and per-client write rate limits.
// Package shield guards the stream store's HTTP API.
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.APIHeaders()))
//	rl := shield.NewRateLimiter(map[string]shield.RateLimit{
//	    "POST /commits": {MaxRequests: 120, Window: time.Minute},
//	})
//	rl.StartGC(done)
//	r.Use(rl.Middleware)
package shield

import (
	"encoding/json"
	"net/http"
)

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
