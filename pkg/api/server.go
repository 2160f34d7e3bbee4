// Copyright 2024-2026 Aiku AI

// Package api serves the relay's HTTP interface: the pairing page with its
// websocket feed, the outbound send and presence routes used by automation,
// and a small JSON API for status and session control.
package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/ptr"
	"go.mau.fi/util/requestlog"

	"github.com/aiku/wa-webhook-relay/pkg/relay"
)

//go:embed index.html
var indexPage []byte

const defaultMaxBodySize = 64 * 1024

// Relay is the gateway used by the HTTP handlers.
type Relay interface {
	SendMessage(ctx context.Context, recipient, text string) error
	SetTyping(ctx context.Context, recipient string) error
	Status() relay.StatusReport
	QRImage() (string, bool)
}

// SessionControl exposes operator actions on the session.
type SessionControl interface {
	Restart(ctx context.Context) error
	Logout(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	MaxBodySize        int64
	TrustXForwardedFor bool
}

// Server is the relay's HTTP API.
type Server struct {
	log     zerolog.Logger
	relay   Relay
	control SessionControl
	push    http.Handler
	maxBody int64
	mux     *chi.Mux
}

// NewServer creates the HTTP API. push serves the websocket status feed.
func NewServer(log zerolog.Logger, rl Relay, control SessionControl, push http.Handler, opts Options) *Server {
	s := &Server{
		log:     log.With().Str("component", "api").Logger(),
		relay:   rl,
		control: control,
		push:    push,
		maxBody: opts.MaxBodySize,
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodySize
	}

	mux := chi.NewRouter()
	mux.Use(
		hlog.NewHandler(s.log),
		hlog.RequestIDHandler("request_id", "X-Request-Id"),
		requestlog.AccessLogger(requestlog.Options{Recover: true, TrustXForwardedFor: opts.TrustXForwardedFor}),
		exhttp.HandleErrors(exhttp.ErrorBodies{
			NotFound:         errorBody("not found"),
			MethodNotAllowed: errorBody("method not allowed"),
		}),
	)

	mux.Get("/", s.handleIndex)
	mux.Get("/healthz", s.handleHealthz)
	mux.Handle("/ws", s.push)

	// Routes kept compatible with existing automation workflows.
	mux.Get("/status", s.handlePresence)
	mux.Post("/webhook/send", s.handleSend)

	mux.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/qr", s.handleQR)
		r.Post("/session/restart", s.handleRestart)
		r.Post("/session/logout", s.handleLogout)
	})

	s.mux = mux
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HTTPServer wraps the handler in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) json.RawMessage {
	data, _ := json.Marshal(errorResponse{Error: msg})
	return data
}

func writeText(w http.ResponseWriter, code int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(text))
}

// sendErrorStatus maps gateway errors to the status codes and texts of the
// send route.
func sendErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, relay.ErrNotConnected):
		return http.StatusConflict, "WhatsApp not connected."
	case errors.Is(err, relay.ErrInvalidRequest):
		return http.StatusBadRequest, "Missing 'number' or 'message' in request body."
	case errors.Is(err, relay.ErrRecipientNotFound):
		return http.StatusNotFound, "Number is not registered on WhatsApp."
	default:
		return http.StatusInternalServerError, "Failed to send message"
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexPage)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeText(w, http.StatusRequestEntityTooLarge, "Request body too large.")
			return
		}
		// An unreadable body is treated like one with missing fields.
		req = sendRequest{}
	}

	log := hlog.FromRequest(r)
	log.Info().Str("recipient", req.Number).Int("message_length", len(req.Message)).Msg("Received send request")
	if err := s.relay.SendMessage(r.Context(), req.Number, req.Message); err != nil {
		code, text := sendErrorStatus(err)
		if code == http.StatusInternalServerError {
			log.Err(err).Str("recipient", req.Number).Msg("Failed to send message")
		}
		writeText(w, code, text)
		return
	}
	writeText(w, http.StatusOK, "Webhook received and message sent successfully")
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	number := r.URL.Query().Get("number")
	err := s.relay.SetTyping(r.Context(), number)
	switch {
	case err == nil:
		exhttp.WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "success"})
	case errors.Is(err, relay.ErrNotConnected):
		writeText(w, http.StatusConflict, "WhatsApp not connected.")
	case errors.Is(err, relay.ErrInvalidRequest):
		writeText(w, http.StatusBadRequest, "Missing 'number' query parameter.")
	default:
		hlog.FromRequest(r).Err(err).Str("recipient", number).Msg("Failed to send presence")
		writeText(w, http.StatusInternalServerError, "Failed to send presence")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, s.relay.Status())
}

type qrResponse struct {
	QR *string `json:"qr"`
}

func (s *Server) handleQR(w http.ResponseWriter, _ *http.Request) {
	var resp qrResponse
	if img, ok := s.relay.QRImage(); ok {
		resp.QR = ptr.Ptr(img)
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Restart(r.Context()); err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to restart session")
		exhttp.WriteJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Logout(r.Context()); err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to log out session")
		exhttp.WriteJSONResponse(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
