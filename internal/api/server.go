package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"predictpool/internal/engine"
	"predictpool/internal/model"
	"predictpool/internal/ws"
)

const walletCookie = "wallet_key"

type Server struct {
	engine  *engine.Engine
	hub     *ws.Hub
	limiter *rateLimiter
	log     *logrus.Entry
}

func NewServer(eng *engine.Engine, hub *ws.Hub, rps float64, burst int) *Server {
	return &Server{
		engine:  eng,
		hub:     hub,
		limiter: newRateLimiter(rps, burst),
		log:     logrus.WithField("component", "api"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.requestLogger)
	r.Use(corsMiddleware)
	r.Use(s.limiter.middleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	// Auth (public)
	r.Post("/api/auth/login", s.login)
	r.Post("/api/auth/logout", s.logout)

	// WebSocket
	r.Get("/ws", s.hub.HandleWS)

	// Session routes
	r.Group(func(r chi.Router) {
		r.Use(s.sessionMiddleware)

		r.Get("/api/auth/me", s.me)

		// Markets
		r.Get("/api/markets", s.listMarkets)
		r.Get("/api/markets/{id}", s.getMarket)

		// Bets
		r.Post("/api/bets", s.placeBet)

		// Social
		r.Get("/api/leaderboard", s.leaderboard)
		r.Get("/api/users/{id}", s.userProfile)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/api/admin/markets", s.listMarkets)
			r.Post("/api/admin/markets", s.createMarket)
			r.Delete("/api/admin/markets/{id}", s.deleteMarket)
			r.Post("/api/admin/markets/{id}/resolve", s.resolveMarket)
			r.Put("/api/admin/markets/{id}/timer", s.setTimer)
			r.Get("/api/admin/users", s.listUsers)
			r.Post("/api/admin/users", s.createUser)
			r.Post("/api/admin/users/balance", s.adjustBalance)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletKey string `json:"walletKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	user, err := s.engine.Authenticate(r.Context(), req.WalletKey)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     walletCookie,
		Value:    user.WalletKey,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	json200(w, user.Summary())
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     walletCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	json200(w, map[string]bool{"success": true})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	json200(w, sessionUser(r).Summary())
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const ctxUser ctxKey = "user"

func sessionUser(r *http.Request) *model.User {
	return r.Context().Value(ctxUser).(*model.User)
}

// sessionMiddleware resolves the wallet key from the session cookie or an
// Authorization bearer header. Every request re-reads the user, so balance
// and admin status are never stale.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if c, err := r.Cookie(walletCookie); err == nil {
			key = c.Value
		}
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		user, err := s.engine.Authenticate(r.Context(), key)
		if err != nil {
			jsonErr(w, 401, "not authenticated")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sessionUser(r).IsAdmin {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Markets ──────────────────────────────────────────

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.engine.ListMarkets(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if markets == nil {
		markets = []model.MarketSummary{}
	}
	json200(w, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.MarketView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, view)
}

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question    string     `json:"question"`
		Description string     `json:"description"`
		ClosesAt    *time.Time `json:"closesAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	m, err := s.engine.CreateMarket(r.Context(), req.Question, req.Description, req.ClosesAt)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(m)
}

func (s *Server) deleteMarket(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteMarket(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, map[string]bool{"success": true})
}

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome model.Outcome `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	res, err := s.engine.ResolveMarket(r.Context(), chi.URLParam(r, "id"), req.Outcome)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, res)
}

func (s *Server) setTimer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClosesAt *time.Time `json:"closesAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	m, err := s.engine.SetTimer(r.Context(), chi.URLParam(r, "id"), req.ClosesAt)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, m)
}

// ── Bets ─────────────────────────────────────────────

func (s *Server) placeBet(w http.ResponseWriter, r *http.Request) {
	var req model.PlaceBetReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	res, err := s.engine.PlaceBet(r.Context(), sessionUser(r).ID, req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, res)
}

// ── Social ───────────────────────────────────────────

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Leaderboard(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	json200(w, entries)
}

func (s *Server) userProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.engine.UserProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, profile)
}

// ── Admin users ──────────────────────────────────────

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.engine.ListUsers(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	out := make([]model.UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, u.Summary())
	}
	json200(w, out)
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	u, err := s.engine.CreateUser(r.Context(), req.DisplayName)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	// The only response that ever carries a wallet key besides bootstrap.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(map[string]any{
		"user":      u.Summary(),
		"walletKey": u.WalletKey,
	})
}

func (s *Server) adjustBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode   model.BalanceMode `json:"mode"`
		UserID string            `json:"userId"`
		Amount int               `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	if req.Mode == model.BalanceAddAll {
		res, err := s.engine.AdjustAllBalances(r.Context(), req.Amount)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		json200(w, res)
		return
	}

	res, err := s.engine.AdjustBalance(r.Context(), req.Mode, req.UserID, req.Amount)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, res)
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeErr maps engine errors to HTTP statuses. Rejections carry their
// message to the client; anything else stays opaque.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrMarketNotFound), errors.Is(err, engine.ErrUserNotFound):
		jsonErr(w, 404, err.Error())
	case errors.Is(err, engine.ErrInvalidWalletKey):
		jsonErr(w, 401, err.Error())
	case engine.IsRejection(err):
		jsonErr(w, 400, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		jsonErr(w, 500, "internal error")
	}
}
