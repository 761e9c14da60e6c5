// Package api exposes the client over a small REST surface so other
// processes can drive the session and read synchronized messages.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-webdriver/client"
	"whatsapp-webdriver/internal/msync"
	"whatsapp-webdriver/internal/session"
)

// SecretEnv names the environment variable holding the bearer secret.
const SecretEnv = "WADRIVER_API_SECRET"

// Server wraps a client with HTTP handlers.
type Server struct {
	client *client.Client
	secret string
	log    zerolog.Logger
}

// NewServer reads the API secret from the environment. An empty secret
// leaves the endpoints unprotected; that is logged loudly.
func NewServer(c *client.Client, log zerolog.Logger) *Server {
	s := &Server{client: c, secret: os.Getenv(SecretEnv), log: log}
	if s.secret == "" {
		log.Warn().Msgf("%s not set, API endpoints are unprotected", SecretEnv)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.auth(s.handleStatus))
	mux.HandleFunc("/api/qr", s.auth(s.handleQR))
	mux.HandleFunc("/api/unread", s.auth(s.handleUnread))
	mux.HandleFunc("/api/send", s.auth(s.handleSend))
	mux.HandleFunc("/api/session/save", s.auth(s.handleSaveSession))
	return mux
}

// auth validates the bearer token on every protected endpoint.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "Invalid authorization format, expected Bearer token")
			return
		}
		if token != s.secret {
			writeError(w, http.StatusForbidden, "Invalid API secret")
			return
		}
		next(w, r)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.client.Status(r.Context())
	writeJSON(w, map[string]any{
		"status":        "healthy",
		"session_state": string(state),
		"authenticated": state == session.StateLoggedIn,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"state": string(s.client.Status(r.Context()))})
}

// handleQR returns the current pairing code as a base64 PNG, or a note that
// the session is already paired.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if s.client.Status(r.Context()) == session.StateLoggedIn {
		writeJSON(w, map[string]any{"qr_code": nil, "message": "Already authenticated"})
		return
	}

	path, err := s.client.PairingCode(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if path == "" {
		writeJSON(w, map[string]any{"qr_code": nil, "message": "QR code not available yet"})
		return
	}
	png, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"qr_code": base64.StdEncoding.EncodeToString(png),
		"message": "Scan QR code with your WhatsApp app",
	})
}

// UnreadRequest is the body of POST /api/unread.
type UnreadRequest struct {
	IncludeMe            bool   `json:"include_me"`
	IncludeNotifications bool   `json:"include_notifications"`
	WindowDays           int    `json:"window_days,omitempty"`
	ChatID               string `json:"chat_id,omitempty"`
}

// GroupResponse is one chat with its retained messages.
type GroupResponse struct {
	ChatID   string            `json:"chat_id"`
	ChatName string            `json:"chat_name,omitempty"`
	Kind     string            `json:"kind"`
	Messages []MessageResponse `json:"messages"`
}

type MessageResponse struct {
	ID        string `json:"id"`
	Sender    string `json:"sender,omitempty"`
	Timestamp int64  `json:"timestamp"`
	IsFromMe  bool   `json:"is_from_me"`
}

func toGroupResponses(groups []msync.MessageGroup) []GroupResponse {
	out := make([]GroupResponse, 0, len(groups))
	for _, g := range groups {
		resp := GroupResponse{
			ChatID:   g.Chat.ID(),
			ChatName: g.Chat.Name(),
			Kind:     string(g.Chat.Kind()),
			Messages: make([]MessageResponse, 0, len(g.Messages)),
		}
		for _, m := range g.Messages {
			resp.Messages = append(resp.Messages, MessageResponse{
				ID:        m.ID(),
				Sender:    m.SenderID(),
				Timestamp: m.Timestamp().Unix(),
				IsFromMe:  m.FromMe(),
			})
		}
		out = append(out, resp)
	}
	return out
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req UnreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	groups, err := s.client.Unread(r.Context(), client.UnreadOptions{
		IncludeMe:            req.IncludeMe,
		IncludeNotifications: req.IncludeNotifications,
		Window:               time.Duration(req.WindowDays) * 24 * time.Hour,
		ChatID:               req.ChatID,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("unread fetch failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"groups": toGroupResponses(groups)})
}

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

type SendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "Recipient is required")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	if _, err := s.client.SendMessage(r.Context(), req.Recipient, req.Message); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(SendResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, SendResponse{Success: true, Message: "Message sent to " + req.Recipient})
}

func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	replace := r.URL.Query().Get("replace") == "true"
	if err := s.client.SaveSession(r.Context(), replace); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNoDriver) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"saved": true})
}
