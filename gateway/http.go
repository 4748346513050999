package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sage-x-project/sage-paywall/config"
	"github.com/sage-x-project/sage-paywall/types"
)

// maxBodyBytes leaves room for base64 images in the generate payload.
const maxBodyBytes = 10 << 20

// Server exposes a Gateway over HTTP.
type Server struct {
	gw        *Gateway
	validator *config.Validator
	assetDir  string
	started   time.Time
}

// NewServer wraps gw. Assets under assetDir are served at /assets when set.
func NewServer(gw *Gateway, validator *config.Validator, assetDir string) *Server {
	if validator == nil {
		validator = config.MustValidator()
	}
	return &Server{gw: gw, validator: validator, assetDir: assetDir, started: time.Now()}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/quote", s.handleQuote)
	r.Post("/generate", s.handleGenerate)
	r.Post("/negotiate", s.handleNegotiate)
	r.Get("/invoices/{id}", s.handleInvoice)
	if s.assetDir != "" {
		r.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.Dir(s.assetDir))))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthCheckResponse{
		Status:    types.StatusHealthy,
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   "1.0.0",
		Services: map[string]types.ServiceStatus{
			"gateway": {
				Name:      s.gw.listing.ID,
				Status:    types.StatusUp,
				LastCheck: time.Now().Format(time.RFC3339),
			},
		},
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Quote(r.Context()))
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, types.ValidationError("read request body: %v", err))
		return
	}
	if err := s.validator.ValidateGenerate(body); err != nil {
		writeError(w, err)
		return
	}
	var req types.GenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, types.ValidationError("decode generate request: %v", err))
		return
	}

	res, err := s.gw.Generate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.PaymentRequired != nil {
		writeJSON(w, http.StatusPaymentRequired, res.PaymentRequired)
		return
	}
	writeJSON(w, http.StatusOK, res.Success)
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, types.ValidationError("read request body: %v", err))
		return
	}
	if err := s.validator.ValidateNegotiate(body); err != nil {
		writeError(w, err)
		return
	}
	var req types.NegotiateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, types.ValidationError("decode negotiate request: %v", err))
		return
	}

	result, err := s.gw.Negotiate(r.Context(), req)
	if errors.Is(err, types.ErrNegotiationFailed) {
		var pe *types.PaymentError
		errors.As(err, &pe)
		writeJSON(w, http.StatusBadRequest, types.NegotiateFailure{Error: "NegotiationFailed", Message: pe.Message})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInvoice(w http.ResponseWriter, r *http.Request) {
	status, err := s.gw.InvoiceStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, types.HTTPStatus(err), types.NewErrorResponse(err))
}
