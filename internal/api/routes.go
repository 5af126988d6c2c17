package api

import (
	"context"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/cellar-engine/internal/db"
	"github.com/rawblock/cellar-engine/internal/engine"
	"github.com/rawblock/cellar-engine/pkg/models"
)

// commitTimeout bounds a single commit attempt. Exceeding it returns TIMEOUT
// with no partial state; the caller re-verifies by operation id.
const commitTimeout = 10 * time.Second

type APIHandler struct {
	store db.Store
	eng   *engine.Engine
	wsHub *Hub
}

func SetupRouter(store db.Store, eng *engine.Engine, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://cellar.example.com
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		store: store,
		eng:   eng,
		wsHub: wsHub,
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	// ── Protected endpoints (require bearer token if API_AUTH_TOKEN set) ──
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	// Rate-limit protected endpoints to 60 req/min per IP (burst=10).
	// Commits contend on head states, so unconstrained request floods just
	// convert into INPUT_NOT_CURRENT retry storms.
	auth.Use(NewRateLimiter(60, 10).Middleware())
	{
		auth.POST("/containers", handler.handleCreateContainer)
		auth.GET("/containers/:id", handler.handleGetContainer)
		auth.GET("/containers/:id/history", handler.handleGetHistory)

		auth.POST("/operations", handler.handleCommitOperation)
		auth.GET("/operations/:id", handler.handleGetOperation)

		// Live barrel-group membership. Past snapshots are immutable.
		auth.PUT("/groups/:id/members/:barrelId", handler.handleAddMember)
		auth.DELETE("/groups/:id/members/:barrelId", handler.handleRemoveMember)
	}

	return r
}

// handleHealth returns engine status and capabilities for service discovery
func (h *APIHandler) handleHealth(c *gin.Context) {
	_, memoryMode := h.store.(*db.MemoryStore)

	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "Cellar Ledger Engine v1.0",
		"capabilities": gin.H{
			"press_operations": true,
			"barrel_groups":    true,
			"negative_flows":   true,
			"exact_arithmetic": true,
			"operation_stream": true,
		},
		"persistent": !memoryMode,
	})
}

func (h *APIHandler) handleCreateContainer(c *gin.Context) {
	var req struct {
		Name     string               `json:"name"`
		TenantID string               `json:"tenantId"`
		Type     models.ContainerType `json:"type"`
		Capacity *big.Int             `json:"capacity,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.TenantID == "" || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenantId and name are required"})
		return
	}
	if !models.ValidContainerType(req.Type) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown container type", "type": req.Type})
		return
	}

	container := &models.Container{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Name:      req.Name,
		Type:      req.Type,
		Capacity:  req.Capacity,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateContainer(c.Request.Context(), container); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create container", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, container)
}

func (h *APIHandler) handleGetContainer(c *gin.Context) {
	id := c.Param("id")
	container, err := h.store.GetContainer(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch container", "details": err.Error()})
		return
	}
	if container == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Container not found"})
		return
	}
	head, err := h.store.GetHeadState(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch head state", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"container":    container,
		"currentState": head,
	})
}

func (h *APIHandler) handleGetHistory(c *gin.Context) {
	id := c.Param("id")
	states, flows, err := h.store.History(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch history", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"containerId": id,
		"states":      states,
		"flows":       flows,
	})
}

func (h *APIHandler) handleCommitOperation(c *gin.Context) {
	var req models.OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), commitTimeout)
	defer cancel()

	op, err := h.eng.Commit(ctx, &req)
	if err != nil {
		cerr, ok := err.(*models.CommitError)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(statusForCode(cerr.Code), gin.H{
			"error":      cerr.Message,
			"code":       cerr.Code,
			"violations": cerr.Violations,
			"retriable":  cerr.Retriable(),
		})
		return
	}

	h.wsHub.BroadcastOperation(op)

	c.JSON(http.StatusCreated, gin.H{
		"operation":    op,
		"overCapacity": h.overCapacity(c.Request.Context(), op),
	})
}

// overCapacity flags output containers whose new head exceeds their declared
// capacity. Advisory only: the physical world outranks the book, so a commit
// never fails on capacity.
func (h *APIHandler) overCapacity(ctx context.Context, op *models.WineryOperation) []string {
	var over []string
	for _, out := range op.OutputStates {
		container, err := h.store.GetContainer(ctx, out.ContainerID)
		if err != nil || container == nil || container.Capacity == nil {
			continue
		}
		if out.Composition.Qty.Cmp(container.Capacity) > 0 {
			over = append(over, out.ContainerID)
		}
	}
	return over
}

func (h *APIHandler) handleGetOperation(c *gin.Context) {
	op, err := h.store.GetOperation(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch operation", "details": err.Error()})
		return
	}
	if op == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Operation not found"})
		return
	}
	c.JSON(http.StatusOK, op)
}

func (h *APIHandler) handleAddMember(c *gin.Context) {
	groupID, barrelID := c.Param("id"), c.Param("barrelId")
	group, barrel, ok := h.resolveMembership(c, groupID, barrelID)
	if !ok {
		return
	}
	if !group.IsGroup() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Container is not a barrel-group", "type": group.Type})
		return
	}
	if barrel.Type != models.TypeBarrel {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Member must be a barrel", "type": barrel.Type})
		return
	}
	if barrel.TenantID != group.TenantID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Barrel and group belong to different tenants"})
		return
	}
	if err := h.store.AddGroupMember(c.Request.Context(), groupID, barrelID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add member", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groupId": groupID, "barrelId": barrelID, "member": true})
}

func (h *APIHandler) handleRemoveMember(c *gin.Context) {
	groupID, barrelID := c.Param("id"), c.Param("barrelId")
	if _, _, ok := h.resolveMembership(c, groupID, barrelID); !ok {
		return
	}
	if err := h.store.RemoveGroupMember(c.Request.Context(), groupID, barrelID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove member", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groupId": groupID, "barrelId": barrelID, "member": false})
}

func (h *APIHandler) resolveMembership(c *gin.Context, groupID, barrelID string) (*models.Container, *models.Container, bool) {
	group, err := h.store.GetContainer(c.Request.Context(), groupID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch group", "details": err.Error()})
		return nil, nil, false
	}
	barrel, err := h.store.GetContainer(c.Request.Context(), barrelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch barrel", "details": err.Error()})
		return nil, nil, false
	}
	if group == nil || barrel == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Container not found"})
		return nil, nil, false
	}
	return group, barrel, true
}

// statusForCode maps the structured commit error surface onto HTTP.
func statusForCode(code string) int {
	switch code {
	case models.ErrCodeValidationFailed, models.ErrCodeInconsistentShares:
		return http.StatusUnprocessableEntity
	case models.ErrCodeInputNotCurrent:
		return http.StatusConflict
	case models.ErrCodeInvalidContainer:
		return http.StatusNotFound
	case models.ErrCodeCrossTenant:
		return http.StatusForbidden
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
