package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/TGAvatarBot/internal/conversation"
	"github.com/digkill/TGAvatarBot/internal/models"
	"github.com/digkill/TGAvatarBot/internal/service"
	"github.com/digkill/TGAvatarBot/pkg/logger/sl"
)

const (
	defaultPendingLimit = 50
	historyLimit        = 20
)

// Server exposes operator endpoints for purchase settlement and account management.
type Server struct {
	addr       string
	username   string
	password   string
	log        *slog.Logger
	ledger     *service.LedgerService
	payments   *service.PaymentService
	generation *service.GenerationService
	outbox     conversation.Outbox
	router     *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, ledger *service.LedgerService, payments *service.PaymentService, generation *service.GenerationService, outbox conversation.Outbox) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:       addr,
		username:   username,
		password:   password,
		log:        log.With(sl.Module("admin")),
		ledger:     ledger,
		payments:   payments,
		generation: generation,
		outbox:     outbox,
		router:     r,
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Get("/stats", s.handleStats)
		protected.Route("/transactions", func(r chi.Router) {
			r.Get("/pending", s.handleListPending)
			r.Post("/{id}/confirm", s.handleSettle(true))
			r.Post("/{id}/reject", s.handleSettle(false))
		})
		protected.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Post("/grant", s.handleGrant)
		})
	})
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", sl.Err(err))
		}
	}()

	s.log.Info("admin panel listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ids, err := s.ledger.UserIDs(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}

	count := 0
	for _, id := range ids {
		if _, err := s.outbox.SendText(ctx, id, req.Message, nil); err != nil {
			s.log.Warn("broadcast send failed", sl.User(id), sl.Err(err))
			continue
		}
		count++
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"sent": count, "total": len(ids)})
}

type transactionResponse struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user_id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Credits     int    `json:"credits"`
	Amount      string `json:"amount,omitempty"`
	Medium      string `json:"medium,omitempty"`
	PackageID   string `json:"package_id,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
	JobID       *int64 `json:"job_id,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

func toTransactionResponse(tx models.Transaction) transactionResponse {
	return transactionResponse{
		ID:          tx.ID,
		UserID:      tx.UserID,
		Type:        string(tx.Type),
		Status:      string(tx.Status),
		Credits:     tx.Credits,
		Amount:      tx.Amount,
		Medium:      tx.Medium,
		PackageID:   tx.PackageID,
		ExternalRef: tx.ExternalRef,
		JobID:       tx.JobID,
		CreatedAt:   tx.CreatedAt.Unix(),
	}
}

func toTransactionResponses(txs []models.Transaction) []transactionResponse {
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	return out
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	limit := defaultPendingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.badRequest(w, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	txs, err := s.payments.Pending(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTransactionResponses(txs))
}

func (s *Server) handleSettle(confirm bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(chi.URLParam(r, "id"))
		if err != nil {
			s.badRequest(w, err)
			return
		}

		ctx := r.Context()
		var tx *models.Transaction
		if confirm {
			tx, err = s.payments.Confirm(ctx, id)
		} else {
			tx, err = s.payments.Reject(ctx, id)
		}
		switch {
		case errors.Is(err, service.ErrTransactionNotFound):
			http.Error(w, "transaction not found", http.StatusNotFound)
			return
		case errors.Is(err, service.ErrTransactionNotPending):
			http.Error(w, "transaction already settled", http.StatusConflict)
			return
		case err != nil:
			s.internalError(w, err)
			return
		}

		text := fmt.Sprintf("❌ Оплата заказа #%d не подтверждена оператором.", tx.ID)
		if tx.Status == models.TransactionCompleted {
			text = fmt.Sprintf("✅ Оплата заказа #%d подтверждена! Начислено %d кредитов.", tx.ID, tx.Credits)
		}
		s.notify(ctx, tx.UserID, text)
		s.log.Info("purchase settled", sl.User(tx.UserID), "tx_id", tx.ID, "status", tx.Status)
		s.writeJSON(w, http.StatusOK, toTransactionResponse(*tx))
	}
}

type grantRequest struct {
	Credits int    `json:"credits"`
	Note    string `json:"note"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err)
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, err)
		return
	}
	if req.Credits <= 0 {
		s.badRequest(w, errors.New("credits must be positive"))
		return
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		note = "admin panel"
	}

	ctx := r.Context()
	tx, err := s.ledger.Grant(ctx, userID, req.Credits, note)
	switch {
	case errors.Is(err, service.ErrAccountNotFound):
		http.Error(w, "user not found", http.StatusNotFound)
		return
	case err != nil:
		s.internalError(w, err)
		return
	}
	s.notify(ctx, userID, fmt.Sprintf("🎁 Вам начислено %d кредитов.", req.Credits))
	s.writeJSON(w, http.StatusOK, toTransactionResponse(*tx))
}

type userResponse struct {
	UserID       int64                 `json:"user_id"`
	DisplayName  string                `json:"display_name,omitempty"`
	Balance      int                   `json:"balance"`
	TotalSpent   int                   `json:"total_spent"`
	HasModel     bool                  `json:"has_model"`
	CreatedAt    int64                 `json:"created_at"`
	Transactions []transactionResponse `json:"transactions"`
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err)
		return
	}
	ctx := r.Context()
	account, err := s.ledger.Account(ctx, userID)
	switch {
	case errors.Is(err, service.ErrAccountNotFound):
		http.Error(w, "user not found", http.StatusNotFound)
		return
	case err != nil:
		s.internalError(w, err)
		return
	}
	history, err := s.ledger.History(ctx, userID, historyLimit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, userResponse{
		UserID:       account.UserID,
		DisplayName:  account.DisplayName,
		Balance:      account.Balance,
		TotalSpent:   account.TotalSpent,
		HasModel:     account.HasModel(),
		CreatedAt:    account.CreatedAt.Unix(),
		Transactions: toTransactionResponses(history),
	})
}

type statsRow struct {
	Mode   string `json:"mode"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.generation.Stats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	rows := make([]statsRow, 0, len(stats))
	for _, st := range stats {
		rows = append(rows, statsRow{Mode: string(st.Mode), Status: string(st.Status), Count: st.Count})
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// notify is best effort: the settlement is already durable when it runs.
func (s *Server) notify(ctx context.Context, userID int64, text string) {
	if s.outbox == nil {
		return
	}
	if _, err := s.outbox.SendText(ctx, userID, text, nil); err != nil {
		s.log.Warn("notify user failed", sl.User(userID), sl.Err(err))
	}
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="avatarbot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", sl.Err(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
