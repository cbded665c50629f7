package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cowrite-labs/cowrite/backend/internal/auth"
	"github.com/cowrite-labs/cowrite/backend/internal/collab"
	"github.com/cowrite-labs/cowrite/backend/internal/documents"
)

const userIDContextKey = "cowrite_user_id"

var (
	errMissingVerifier      = errors.New("identity verifier dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingDocuments     = errors.New("documents service dependency required")
	errMissingConnections   = errors.New("connection manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// IdentityVerifier verifies identity-provider tokens during token exchange.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// SessionTokenManager issues and validates backend session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies bundles what the HTTP handler needs.
type Dependencies struct {
	Verifier    IdentityVerifier
	Tokens      SessionTokenManager
	Documents   *documents.Service
	Connections *collab.ConnectionManager
	Logger      *zap.Logger
}

// NewHTTPHandler wires the gin router: token exchange, document records, and
// the realtime websocket endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Connections == nil {
		return nil, errMissingConnections
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:    deps.Verifier,
		tokens:      deps.Tokens,
		documents:   deps.Documents,
		connections: deps.Connections,
		logger:      logger,
	}

	router.POST("/auth/token", handler.handleTokenExchange)
	router.GET("/realtime", handler.handleRealtime)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents", handler.handleListDocuments)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.POST("/documents/:id/share", handler.handleShareDocument)

	return router, nil
}

type httpHandler struct {
	verifier    IdentityVerifier
	tokens      SessionTokenManager
	documents   *documents.Service
	connections *collab.ConnectionManager
	logger      *zap.Logger
}

type tokenRequestPayload struct {
	IDToken string `json:"id_token"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("identity token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type documentPayload struct {
	DocumentID       string          `json:"document_id"`
	OwnerID          string          `json:"owner_id"`
	Title            string          `json:"title"`
	Content          json.RawMessage `json:"content,omitempty"`
	Version          int64           `json:"version"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

func documentToPayload(document documents.Document) documentPayload {
	payload := documentPayload{
		DocumentID:       document.DocumentID,
		OwnerID:          document.OwnerID,
		Title:            document.Title,
		Version:          document.Version,
		UpdatedAtSeconds: document.UpdatedAtSeconds,
	}
	if document.ContentJSON != "" {
		payload.Content = json.RawMessage(document.ContentJSON)
	}
	return payload
}

type createDocumentPayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}

	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	document, err := h.documents.Create(c.Request.Context(), userID, strings.TrimSpace(request.Title))
	if err != nil {
		h.logger.Error("failed to create document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, documentToPayload(document))
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}

	docs, err := h.documents.ListForUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payloads := make([]documentPayload, 0, len(docs))
	for _, document := range docs {
		payloads = append(payloads, documentToPayload(document))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payloads})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	userID, ok := h.callerID(c)
	if !ok {
		return
	}
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	document, err := h.documents.Get(c.Request.Context(), userID, documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}
	c.JSON(http.StatusOK, documentToPayload(document))
}

type shareDocumentPayload struct {
	UserID string `json:"user_id"`
}

func (h *httpHandler) handleShareDocument(c *gin.Context) {
	callerID, ok := h.callerID(c)
	if !ok {
		return
	}
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var request shareDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	granteeID, err := documents.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err = h.documents.Share(c.Request.Context(), callerID, documentID, granteeID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to share document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "share_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) callerID(c *gin.Context) (documents.UserID, bool) {
	raw := c.GetString(userIDContextKey)
	userID, err := documents.NewUserID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
