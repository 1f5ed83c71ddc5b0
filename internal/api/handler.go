// Package api serves the device HTTP API: allow-list queries, action
// logging and datalog reads.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/twinguard/internal/audit"
	"github.com/jmerrifield20/twinguard/internal/contentstore"
	"github.com/jmerrifield20/twinguard/internal/datalog"
	"github.com/jmerrifield20/twinguard/internal/health"
	"github.com/jmerrifield20/twinguard/internal/keyring"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"github.com/jmerrifield20/twinguard/internal/policy"
	"go.uber.org/zap"
)

// aclSource is satisfied by *policy.Cache.
type aclSource interface {
	Snapshot() *policy.Snapshot
	IsAllowed(identity string) bool
	Refresh(ctx context.Context) (bool, error)
}

// actionLogger is satisfied by *audit.Writer.
type actionLogger interface {
	LogAction(ctx context.Context, action, status string) (*audit.Result, error)
}

// latestReader is satisfied by *datalog.Reader.
type latestReader interface {
	Latest(ctx context.Context, address string) (datalog.Entry, error)
}

// statusSource is satisfied by *health.Checker.
type statusSource interface {
	Status() map[string]health.TargetStatus
}

// Handler serves the /api/v1 routes.
type Handler struct {
	acl     aclSource
	audit   actionLogger
	datalog latestReader
	tokens  *TokenIssuer // nil = bearer routes refuse every request
	health  statusSource // nil = dependency state not reported
	limit   gin.HandlerFunc // per-identity action limit, optional
	logger  *zap.Logger
}

// NewHandler creates a Handler. tokens may be nil, in which case the bearer
// routes answer 503.
func NewHandler(acl aclSource, auditor actionLogger, reader latestReader, tokens *TokenIssuer, logger *zap.Logger) *Handler {
	return &Handler{acl: acl, audit: auditor, datalog: reader, tokens: tokens, logger: logger}
}

// SetHealth configures the checker reported by Healthz.
func (h *Handler) SetHealth(s statusSource) {
	h.health = s
}

func (h *Handler) requireToken() gin.HandlerFunc {
	if h.tokens == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "bearer authentication is not configured",
			})
		}
	}
	return RequireToken(h.tokens)
}

// Register registers all device routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	acl := rg.Group("/acl")
	{
		acl.GET("", h.GetACL)
		acl.GET("/:identity", h.CheckIdentity)
		acl.POST("/refresh", h.requireToken(), h.RefreshACL)
	}
	actions := []gin.HandlerFunc{h.requireToken()}
	if h.limit != nil {
		actions = append(actions, h.limit)
	}
	rg.POST("/actions", append(actions, h.LogAction)...)
	rg.GET("/datalog/:address/latest", h.LatestDatalog)
}

// Healthz reports readiness. The daemon is ready once a policy snapshot is
// loaded; unhealthy dependencies degrade the status without failing it.
func (h *Handler) Healthz(c *gin.Context) {
	loaded := h.acl.Snapshot() != nil
	resp := gin.H{
		"status":        "ok",
		"policy_loaded": loaded,
		"ledger":        health.StatusUnknown,
		"content_store": health.StatusUnknown,
	}
	if h.health != nil {
		for name, st := range h.health.Status() {
			resp[name] = st.Status
			if st.Status == health.StatusDegraded {
				resp["status"] = "degraded"
			}
		}
	}
	if !loaded {
		resp["status"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type aclView struct {
	Entries  []string  `json:"entries"`
	CID      string    `json:"cid"`
	LoadedAt time.Time `json:"loaded_at"`
}

// GET /api/v1/acl
func (h *Handler) GetACL(c *gin.Context) {
	snap := h.acl.Snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy not loaded"})
		return
	}
	c.JSON(http.StatusOK, aclView{Entries: snap.Entries(), CID: snap.CID, LoadedAt: snap.LoadedAt})
}

// GET /api/v1/acl/:identity
func (h *Handler) CheckIdentity(c *gin.Context) {
	identity := strings.TrimSpace(c.Param("identity"))
	c.JSON(http.StatusOK, gin.H{
		"identity": identity,
		"allowed":  h.acl.IsAllowed(identity),
	})
}

// POST /api/v1/acl/refresh
func (h *Handler) RefreshACL(c *gin.Context) {
	swapped, err := h.acl.Refresh(c.Request.Context())
	if err != nil {
		h.logger.Warn("manual policy refresh failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"swapped": swapped})
}

type actionRequest struct {
	Action string `json:"action" binding:"required"`
	Status string `json:"status" binding:"required"`
}

// POST /api/v1/actions
func (h *Handler) LogAction(c *gin.Context) {
	claims := ClaimsFromCtx(c)
	if claims == nil || !h.acl.IsAllowed(claims.Subject) {
		c.JSON(http.StatusForbidden, gin.H{"error": "identity is not on the allow-list"})
		return
	}

	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.audit.LogAction(c.Request.Context(), req.Action, req.Status)
	if err != nil {
		var storeErr *contentstore.StoreError
		var subErr *ledger.SubmissionError
		if errors.As(err, &storeErr) || errors.As(err, &subErr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("log action", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.logger.Info("action logged",
		zap.String("subject", claims.Subject),
		zap.String("action", req.Action),
		zap.String("cid", res.CID),
	)
	c.JSON(http.StatusCreated, gin.H{"tx_hash": res.TxHash, "cid": res.CID})
}

// GET /api/v1/datalog/:address/latest
func (h *Handler) LatestDatalog(c *gin.Context) {
	address := c.Param("address")
	if _, _, err := keyring.DecodeAddress(address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address: " + err.Error()})
		return
	}
	entry, err := h.datalog.Latest(c.Request.Context(), address)
	if err != nil {
		var noRecord *datalog.NoRecordError
		if errors.As(err, &noRecord) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entry)
}
