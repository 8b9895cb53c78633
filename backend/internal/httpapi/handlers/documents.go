package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/store"
)

// DocumentHandler 把存储协作方暴露成 REST 接口，客户端的持久化写走这里
type DocumentHandler struct {
	store   store.DocumentStore
	sem     *collab.SemaphoreControl // 限制同时进行的写
	timeout time.Duration
}

func NewDocumentHandler(s store.DocumentStore, sem *collab.SemaphoreControl, timeout time.Duration) *DocumentHandler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DocumentHandler{store: s, sem: sem, timeout: timeout}
}

func (h *DocumentHandler) Register(r gin.IRoutes) {
	r.GET("/documents/:kind/:id", h.Get)
	r.PATCH("/documents/:kind/:id", h.Patch)
	r.POST("/documents/:kind", h.Create)
}

func refFromPath(c *gin.Context) (store.Ref, error) {
	kind, err := store.ParseKind(c.Param("kind"))
	if err != nil {
		return store.Ref{}, err
	}
	ref := store.Ref{Kind: kind, ID: c.Param("id")}
	return ref, ref.Validate()
}

func (h *DocumentHandler) Get(c *gin.Context) {
	ref, err := refFromPath(c)
	if err != nil {
		writeError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	doc, err := h.store.FetchDocument(ctx, ref)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *DocumentHandler) Patch(c *gin.Context) {
	ref, err := refFromPath(c)
	if err != nil {
		writeError(c, err)
		return
	}
	var patch store.Patch
	if err := c.ShouldBindJSON(&patch); err != nil || patch.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "patch body required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	if h.sem != nil {
		if !h.sem.TryAcquire() {
			log.Printf("document writes saturated inUse=%d cap=%d doc=%s", h.sem.InUse(), h.sem.Cap(), ref)
			if err := h.sem.Acquire(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"code": "BUSY", "message": err.Error()})
				return
			}
		}
		defer h.sem.Release()
	}

	if err := h.store.WriteDocument(ctx, ref, patch); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	IconID      string `json:"iconId"`
	Data        string `json:"data"`
	WorkspaceID string `json:"workspaceId"`
	FolderID    string `json:"folderId"`
}

func (h *DocumentHandler) Create(c *gin.Context) {
	kind, err := store.ParseKind(c.Param("kind"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	doc := &store.Document{
		ID: req.ID, Kind: kind, Title: req.Title, IconID: req.IconID, Data: req.Data,
		WorkspaceID: req.WorkspaceID, FolderID: req.FolderID,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	if err := h.store.CreateDocument(ctx, doc); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidRef):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REF", "message": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": err.Error()})
	case errors.Is(err, store.ErrDocumentExists):
		c.JSON(http.StatusConflict, gin.H{"code": "EXISTS", "message": err.Error()})
	default:
		log.Printf("document store error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "storage error"})
	}
}
