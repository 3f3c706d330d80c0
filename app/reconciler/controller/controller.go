package controller

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/app/reconciler/workflow"
	"github.com/curtailx/curtailx/pkg/config"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Service is the set of reconciler operations exposed over HTTP.
type Service interface {
	Health(ctx context.Context) error
	Status(ctx context.Context, start, end time.Time) (types.Status, error)
	Analyze(ctx context.Context, date time.Time) (types.DateAnalysis, error)
	AnalyzeRange(ctx context.Context, start, end time.Time) (types.RangeStatus, error)
	// StartReconcile launches a checkpointed run in the background.
	StartReconcile(ctx context.Context, in types.BatchInput) error
	FixDate(ctx context.Context, in types.FixInput) (types.FixResult, error)
	FixRange(ctx context.Context, start, end time.Time) (types.BatchSummary, error)
	Checkpoint(ctx context.Context) (*types.Checkpoint, error)
	ResetCheckpoint(ctx context.Context) error
}

// EventSource feeds the websocket progress stream. Nil disables it.
type EventSource interface {
	PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub
	XRecent(ctx context.Context, stream string, count int64) ([]redis.XMessage, error)
}

type User struct {
	Username string `json:"username"`
	Hash     []byte `json:"-"`
	Role     string `json:"role"`
}

type Controller struct {
	Logger     *zap.Logger
	Service    Service
	Events     EventSource
	AdminToken string
	Users      map[string]User
	JWTSecret  []byte
}

// NewController returns a new controller.
func NewController(logger *zap.Logger, svc Service, events EventSource, cfg config.Server) (*Controller, error) {
	user := cfg.AdminUser
	if user == "" {
		user = "admin"
	}
	users := map[string]User{}
	if cfg.AdminPassword != "" {
		hash, err := utils.HashOrRead(cfg.AdminPassword)
		if err != nil {
			return nil, err
		}
		users[user] = User{Username: user, Hash: hash, Role: "admin"}
	}

	return &Controller{
		Logger:     logger,
		Service:    svc,
		Events:     events,
		AdminToken: cfg.AdminToken,
		Users:      users,
		JWTSecret:  []byte(cfg.SessionSecret),
	}, nil
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{
			http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions,
		}, ", "))

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", c.HandleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/login", c.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", c.HandleLogout).Methods(http.MethodPost)

	// read-only
	r.HandleFunc("/api/status", c.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/analyze", c.HandleAnalyzeRange).Methods(http.MethodGet)
	r.HandleFunc("/api/analyze/{date}", c.HandleAnalyzeDate).Methods(http.MethodGet)
	r.HandleFunc("/api/checkpoint", c.HandleCheckpoint).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", c.HandleWebSocket).Methods(http.MethodGet)

	// mutating
	r.Handle("/api/reconcile", c.RequireAuth(http.HandlerFunc(c.HandleReconcile))).Methods(http.MethodPost)
	r.Handle("/api/fix/{date}", c.RequireAuth(http.HandlerFunc(c.HandleFixDate))).Methods(http.MethodPost)
	r.Handle("/api/fix", c.RequireAuth(http.HandlerFunc(c.HandleFixRange))).Methods(http.MethodPost)
	r.Handle("/api/checkpoint", c.RequireAuth(http.HandlerFunc(c.HandleResetCheckpoint))).Methods(http.MethodDelete)

	return r
}

// writeJSON writes a JSON response
func (c *Controller) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (c *Controller) writeError(w http.ResponseWriter, statusCode int, message string) {
	c.writeJSON(w, statusCode, map[string]string{"error": message})
}

// writeFailure maps an operation error onto a status code.
func (c *Controller) writeFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case faults.IsInvalidParameter(err):
		c.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrRunInProgress):
		c.writeError(w, http.StatusConflict, err.Error())
	case faults.KindOf(err) == faults.KindTransientStore:
		c.Logger.Warn("store unavailable", zap.String("op", op), zap.Error(err))
		c.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		c.Logger.Error("request failed", zap.String("op", op), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
