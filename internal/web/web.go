// Package web serves the HTTP APIs of the device and companion processes.
// Both share the same Basic Auth guard and JSON helpers; /health is always
// reachable without credentials.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"wristcal/internal/config"
	"wristcal/internal/locale"
	appLog "wristcal/internal/log"
)

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
// A nil or incomplete auth config disables the guard.
func basicAuthMiddleware(auth *config.BasicAuthConfig, realm string, next http.Handler) http.Handler {
	if !auth.Enabled() {
		return next
	}
	username := auth.Username
	password := auth.Password
	challenge := `Basic realm="` + realm + `", charset="UTF-8"`

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", challenge)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// printerFor resolves the language_override setting. Unreadable or
// unsupported values fall back to the default language.
func printerFor(s config.Settings) locale.Printer {
	override, err := s.LanguageOverride()
	if err != nil {
		return locale.NewPrinter(locale.Default)
	}
	tag, _ := locale.Resolve(override)
	return locale.NewPrinter(tag)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
