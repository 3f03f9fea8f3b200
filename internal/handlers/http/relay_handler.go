package http

import (
	"net/http"
	"time"

	"camlink/internal/core/domain"
	"camlink/internal/core/ports"
	"camlink/internal/core/services"
	"camlink/internal/infrastructure/middleware"
	"camlink/internal/infrastructure/relay"
	"camlink/pkg/errors"

	"github.com/gin-gonic/gin"
)

// RelayHandler exposes the relay's HTTP surface: token issuing, the client
// directory and the websocket endpoint itself.
type RelayHandler struct {
	server   *relay.Server
	tokens   services.TokenService
	registry ports.ClientRegistry
	started  time.Time
}

func NewRelayHandler(server *relay.Server, tokens services.TokenService, registry ports.ClientRegistry) *RelayHandler {
	return &RelayHandler{
		server:   server,
		tokens:   tokens,
		registry: registry,
		started:  time.Now(),
	}
}

func (h *RelayHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/api/v1/auth", h.IssueToken)
	router.GET("/healthz", h.Health)

	authed := router.Group("/", middleware.Auth(h.tokens))
	{
		authed.GET("/api/v1/clients", h.ListClients)
		authed.GET("/ws", h.Connect)
	}
}

type authRequest struct {
	JID string `json:"jid" binding:"required,max=256"`
}

// IssueToken hands out a bearer token for an allow-listed JID.
func (h *RelayHandler) IssueToken(c *gin.Context) {
	var req authRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	token, err := h.tokens.Issue(domain.Address(req.JID))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeForbidden, "jid not allowed", http.StatusForbidden))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jid":   req.JID,
		"token": token,
	})
}

type clientResponse struct {
	JID          string              `json:"jid"`
	Capabilities []domain.Capability `json:"capabilities"`
}

// ListClients returns the currently connected clients and their announced
// capabilities.
func (h *RelayHandler) ListClients(c *gin.Context) {
	peers, err := h.registry.List(c)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "registry unavailable", http.StatusInternalServerError))
		return
	}

	clients := make([]clientResponse, 0, len(peers))
	for _, peer := range peers {
		caps := peer.Capabilities
		if caps == nil {
			caps = []domain.Capability{}
		}
		clients = append(clients, clientResponse{
			JID:          string(peer.ID),
			Capabilities: caps,
		})
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

// Connect upgrades the request to the signaling websocket.
func (h *RelayHandler) Connect(c *gin.Context) {
	jid, ok := c.Get(middleware.JIDKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	h.server.HandleConnection(c.Writer, c.Request, jid.(domain.Address))
}

func (h *RelayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"clients": h.server.ConnectedClients(),
		"uptime":  time.Since(h.started).String(),
	})
}
