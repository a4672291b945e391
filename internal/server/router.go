package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/lockbox/internal/engine"
	"github.com/MarcoPoloResearchLab/lockbox/internal/vault"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingVaultService = errors.New("vault service dependency required")

// Dependencies wires the HTTP surface.
type Dependencies struct {
	VaultService *vault.Service
	Dispatcher   *RealtimeDispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the vault sync surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.VaultService == nil {
		return nil, errMissingVaultService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
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
		vaultService: deps.VaultService,
		dispatcher:   dispatcher,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/v1/vault/merge", handler.handleMerge)
	router.POST("/v1/vault/prune", handler.handlePrune)
	router.POST("/v1/vault/sync", handler.handleSync)
	router.GET("/v1/vault/snapshot", handler.handleSnapshot)
	router.GET("/v1/vault/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	vaultService *vault.Service
	dispatcher   *RealtimeDispatcher
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleMerge is the stateless engine boundary: snapshots in, statements
// out, no vault state touched. Engine-level rejections still return 200 with
// success=false so every host sees the same contract.
func (h *httpHandler) handleMerge(c *gin.Context) {
	var request engine.MergeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response := h.vaultService.Merge(c.Request.Context(), request)
	c.JSON(http.StatusOK, response)
}

// handlePrune is the stateless retention boundary over caller-supplied
// snapshots.
func (h *httpHandler) handlePrune(c *gin.Context) {
	var request engine.PruneRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response := engine.HandlePrune(h.vaultService.Registry(), request)
	c.JSON(http.StatusOK, response)
}

type syncTablePayload struct {
	Name     string       `json:"name"`
	Rows     []engine.Row `json:"rows"`
	Baseline []engine.Row `json:"baseline"`
}

type syncRequestPayload struct {
	Tables []syncTablePayload `json:"tables"`
}

type syncResponsePayload struct {
	OperationID string                       `json:"operation_id"`
	Revision    int64                        `json:"revision"`
	Statements  []engine.StatementPayload    `json:"statements"`
	Stats       map[string]engine.TableStats `json:"stats"`
}

// handleSync merges an uploaded device snapshot into the server vault and
// returns the statements the device must apply to converge.
func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(request.Tables) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_sync"})
		return
	}

	tables := make([]vault.ClientTable, 0, len(request.Tables))
	for _, table := range request.Tables {
		tables = append(tables, vault.ClientTable{
			Name:     table.Name,
			Rows:     table.Rows,
			Baseline: table.Baseline,
		})
	}

	result, err := h.vaultService.Sync(c.Request.Context(), tables)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.dispatcher.Publish(RealtimeMessage{
		EventType: RealtimeEventVaultChanged,
		Revision:  result.Revision,
		Timestamp: time.Now().UTC(),
	})

	statements := make([]engine.StatementPayload, 0, len(result.Statements))
	for _, statement := range result.Statements {
		statements = append(statements, engine.StatementPayload{
			Table:  statement.Table,
			Op:     string(statement.Op),
			PK:     statement.PrimaryKey,
			Target: string(statement.Target),
			Values: statement.Values,
		})
	}

	c.JSON(http.StatusOK, syncResponsePayload{
		OperationID: result.OperationID,
		Revision:    result.Revision,
		Statements:  statements,
		Stats:       result.Stats,
	})
}

type snapshotResponsePayload struct {
	Revision int64                   `json:"revision"`
	Tables   map[string][]engine.Row `json:"tables"`
}

// handleSnapshot returns the full server vault for seeding a fresh device.
func (h *httpHandler) handleSnapshot(c *gin.Context) {
	snapshot, revision, err := h.vaultService.Snapshot(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshotResponsePayload{
		Revision: revision,
		Tables:   snapshot,
	})
}

type realtimeEventPayload struct {
	Source    string `json:"source"`
	Revision  int64  `json:"revision"`
	Timestamp int64  `json:"timestamp_s"`
}

// handleEvents streams vault-change notifications as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context())
	defer cleanup()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		case message, open := <-stream:
			if !open {
				return
			}
			payload, err := json.Marshal(realtimeEventPayload{
				Source:    realtimeSourceBackend,
				Revision:  message.Revision,
				Timestamp: message.Timestamp.Unix(),
			})
			if err != nil {
				h.logger.Error("failed to encode realtime event", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", message.EventType, payload)
			flusher.Flush()
		}
	}
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	var serviceErr *vault.ServiceError
	if errors.As(err, &serviceErr) {
		h.logger.Error("vault request failed", zap.String("code", serviceErr.Code()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErr.Code()})
		return
	}
	h.logger.Error("vault request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
