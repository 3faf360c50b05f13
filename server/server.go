package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/chain"
	"escrowd/service"
	"escrowd/storage"
)

// EscrowAPI abstracts the escrow operations exposed over HTTP.
type EscrowAPI interface {
	CreateEscrow(ctx context.Context, p service.CreateParams) (service.CreateResult, error)
	BindAddress(ctx context.Context, p service.BindParams) (service.BindResult, error)
	Status(ctx context.Context, code string) (service.EscrowStatus, error)
	Resolve(ctx context.Context, p service.ResolveParams) (service.ResolveResult, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Service EscrowAPI
	Token   string
}

// Server exposes the escrow control API.
type Server struct {
	svc    EscrowAPI
	token  string
	router http.Handler
}

// New constructs a configured HTTP router with bearer authentication on the
// mutating routes.
func New(cfg Config) *Server {
	srv := &Server{svc: cfg.Service, token: strings.TrimSpace(cfg.Token)}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/escrow", func(api chi.Router) {
		api.Get("/status/{code}", s.handleStatus)
		api.Group(func(protected chi.Router) {
			protected.Use(s.requireBearer)
			protected.Post("/create", s.handleCreate)
			protected.Post("/bind-address", s.handleBind)
			protected.Post("/resolve", s.handleResolve)
		})
	})

	return r
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "api token not configured")
			return
		}
		header := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(s.token)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createRequest struct {
	TargetAmount       string `json:"target_amount"`
	ConfirmationAmount string `json:"confirmation_amount"`
	Deadline           uint64 `json:"deadline"`
	TweetID            string `json:"tweet_id"`
	ExpectedFunder     string `json:"expected_funder"`
}

type createResponse struct {
	Escrow string `json:"escrow"`
	Code   string `json:"code"`
	TxHash string `json:"tx_hash"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	target, err := parseAmount(req.TargetAmount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("target_amount: %v", err))
		return
	}
	confirmation, err := parseAmount(req.ConfirmationAmount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("confirmation_amount: %v", err))
		return
	}
	params := service.CreateParams{
		TargetAmount:       target,
		ConfirmationAmount: confirmation,
		Deadline:           req.Deadline,
	}
	if req.TweetID != "" {
		tweet, ok := new(big.Int).SetString(req.TweetID, 10)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "bad_request", "tweet_id must be a decimal string")
			return
		}
		params.TweetID = tweet
	}
	if req.ExpectedFunder != "" {
		if !common.IsHexAddress(req.ExpectedFunder) {
			s.writeError(w, http.StatusBadRequest, "bad_request", "expected_funder is not an address")
			return
		}
		params.ExpectedFunder = common.HexToAddress(req.ExpectedFunder)
	}

	result, err := s.svc.CreateEscrow(r.Context(), params)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createResponse{
		Escrow: result.Escrow.Hex(),
		Code:   result.Code,
		TxHash: result.TxHash.Hex(),
	})
}

type bindRequest struct {
	Code      string `json:"code"`
	Role      string `json:"role"`
	Address   string `json:"address"`
	ConfirmBy uint64 `json:"confirm_by"`
}

type bindResponse struct {
	Escrow string `json:"escrow"`
	TxHash string `json:"tx_hash,omitempty"`
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	role, err := service.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		s.writeError(w, http.StatusBadRequest, "bad_request", "address is not an address")
		return
	}
	result, err := s.svc.BindAddress(r.Context(), service.BindParams{
		Code:      strings.TrimSpace(req.Code),
		Role:      role,
		Address:   common.HexToAddress(req.Address),
		ConfirmBy: req.ConfirmBy,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	resp := bindResponse{Escrow: result.Escrow.Hex()}
	if result.TxHash != (common.Hash{}) {
		resp.TxHash = result.TxHash.Hex()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Escrow            string  `json:"escrow"`
	Code              string  `json:"code"`
	Phase             uint8   `json:"phase"`
	PhaseName         string  `json:"phase_name"`
	ExpectedFunder    *string `json:"expected_funder"`
	ExpectedConfirmer *string `json:"expected_confirmer"`
	Funder            *string `json:"funder"`
	Confirmer         *string `json:"confirmer"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if code == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "code is required")
		return
	}
	status, err := s.svc.Status(r.Context(), code)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		Escrow:            status.Escrow.Hex(),
		Code:              status.Code,
		Phase:             status.Phase,
		PhaseName:         status.PhaseName,
		ExpectedFunder:    hexOrNil(status.ExpectedFunder),
		ExpectedConfirmer: hexOrNil(status.ExpectedConfirmer),
		Funder:            hexOrNil(status.Funder),
		Confirmer:         hexOrNil(status.Confirmer),
	})
}

type resolveRequest struct {
	Code              string `json:"code"`
	Action            string `json:"action"`
	PollID            string `json:"poll_id"`
	CreatorEvidence   string `json:"creator_evidence"`
	ConfirmerEvidence string `json:"confirmer_evidence"`
}

type resolveResponse struct {
	Escrow string `json:"escrow"`
	TxHash string `json:"tx_hash"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	action, err := service.ParseAction(req.Action)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	params := service.ResolveParams{
		Code:   strings.TrimSpace(req.Code),
		Action: action,
	}
	if req.PollID != "" {
		poll, ok := new(big.Int).SetString(req.PollID, 10)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "bad_request", "poll_id must be a decimal string")
			return
		}
		params.PollID = poll
	}
	if req.CreatorEvidence != "" {
		params.CreatorEvidence = common.HexToHash(req.CreatorEvidence)
	}
	if req.ConfirmerEvidence != "" {
		params.ConfirmerEvidence = common.HexToHash(req.ConfirmerEvidence)
	}

	result, err := s.svc.Resolve(r.Context(), params)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resolveResponse{
		Escrow: result.Escrow.Hex(),
		TxHash: result.TxHash.Hex(),
	})
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "escrow not found")
	case errors.Is(err, chain.ErrReverted):
		s.writeError(w, http.StatusUnprocessableEntity, "semantic_rejection", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorEnvelope{Error: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("must be set")
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("must be a positive decimal string")
	}
	return amount, nil
}

func hexOrNil(addr *common.Address) *string {
	if addr == nil {
		return nil
	}
	hex := addr.Hex()
	return &hex
}
