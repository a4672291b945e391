package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lockbox/internal/database"
	"github.com/MarcoPoloResearchLab/lockbox/internal/engine"
	"github.com/MarcoPoloResearchLab/lockbox/internal/vault"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandler(testContext *testing.T) (http.Handler, *gorm.DB) {
	testContext.Helper()

	databasePath := filepath.Join(testContext.TempDir(), "vault.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	service, err := vault.NewService(vault.ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(10_000, 0) },
		IDProvider: vault.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to build vault service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{VaultService: service})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return handler, db
}

func postJSON(testContext *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	testContext.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		testContext.Fatalf("failed to encode request: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthEndpoint(testContext *testing.T) {
	handler, _ := newTestHandler(testContext)

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestMergeEndpointComputesStatements(testContext *testing.T) {
	handler, _ := newTestHandler(testContext)

	recorder := postJSON(testContext, handler, "/v1/vault/merge", engine.MergeRequest{
		Tables: []engine.MergeRequestTable{{
			Name: vault.TableCredentials,
			Local: []engine.Row{{
				"id": "c1", "updated_at_s": 100, "is_deleted": false, "name_cipher": "enc-a",
			}},
			Server: []engine.Row{},
		}},
	})

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response engine.MergeResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if !response.Success {
		testContext.Fatalf("merge failed: %v", response.Error)
	}
	if len(response.Statements) != 1 || response.Statements[0].Op != "insert" {
		testContext.Fatalf("expected one insert statement, got %v", response.Statements)
	}
}

func TestMergeEndpointRejectsMalformedJSON(testContext *testing.T) {
	handler, _ := newTestHandler(testContext)

	request := httptest.NewRequest(http.MethodPost, "/v1/vault/merge", bytes.NewReader([]byte("{not json")))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestMergeEndpointReportsEngineRejectionInBody(testContext *testing.T) {
	handler, _ := newTestHandler(testContext)

	recorder := postJSON(testContext, handler, "/v1/vault/merge", engine.MergeRequest{
		Tables: []engine.MergeRequestTable{{Name: "identities"}},
	})

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("engine rejections ride a 200, got %d", recorder.Code)
	}

	var response engine.MergeResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if response.Success || response.Error == nil {
		testContext.Fatalf("expected failure payload, got %+v", response)
	}
}

func TestPruneEndpointPurgesExpiredTombstones(testContext *testing.T) {
	handler, _ := newTestHandler(testContext)

	recorder := postJSON(testContext, handler, "/v1/vault/prune", engine.PruneRequest{
		Tables: []engine.PruneRequestTable{{
			Name: vault.TableCredentials,
			Rows: []engine.Row{{
				"id": "old", "updated_at_s": 100, "is_deleted": true, "name_cipher": "enc-a",
			}},
		}},
		RetentionSeconds: 3600,
		Now:              10_000,
	})

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response engine.PruneResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if !response.Success || len(response.Statements) != 1 || response.Statements[0].Op != "purge" {
		testContext.Fatalf("expected one purge statement, got %+v", response)
	}
}

func TestSyncEndpointAppliesUploadAndReturnsRevision(testContext *testing.T) {
	handler, db := newTestHandler(testContext)

	recorder := postJSON(testContext, handler, "/v1/vault/sync", syncRequestPayload{
		Tables: []syncTablePayload{{
			Name: vault.TableCredentials,
			Rows: []engine.Row{{
				"id":              "c1",
				"name_cipher":     "enc-name",
				"username_cipher": "enc-user",
				"password_cipher": "enc-pass",
				"url_cipher":      "",
				"notes_cipher":    "",
				"updated_at_s":    100,
				"is_deleted":      false,
			}},
		}},
	})

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response syncResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if response.Revision != 1 {
		testContext.Fatalf("expected revision 1 after first sync, got %d", response.Revision)
	}
	if response.OperationID == "" {
		testContext.Fatalf("expected an operation id")
	}
	if len(response.Statements) != 0 {
		testContext.Fatalf("uploading client already converged, got %v", response.Statements)
	}

	var stored vault.Credential
	if err := db.Where("id = ?", "c1").Take(&stored).Error; err != nil {
		testContext.Fatalf("uploaded credential missing from vault: %v", err)
	}
	if stored.NameCipher != "enc-name" {
		testContext.Fatalf("unexpected stored row: %+v", stored)
	}
}

func TestSyncEndpointRejectsEmptyUpload(testContext *testing.T) {
	handler, _ := newTestHandler(testContext)

	recorder := postJSON(testContext, handler, "/v1/vault/sync", syncRequestPayload{})
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400 for empty sync, got %d", recorder.Code)
	}
}

func TestSnapshotEndpointReturnsVaultState(testContext *testing.T) {
	handler, db := newTestHandler(testContext)

	credential := vault.Credential{
		ID:               "c1",
		NameCipher:       "enc-name",
		UsernameCipher:   "enc-user",
		PasswordCipher:   "enc-pass",
		UpdatedAtSeconds: 100,
	}
	if err := db.Create(&credential).Error; err != nil {
		testContext.Fatalf("failed to seed credential: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/v1/vault/snapshot", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response snapshotResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if response.Revision != 0 {
		testContext.Fatalf("expected revision 0 before any sync, got %d", response.Revision)
	}
	if len(response.Tables[vault.TableCredentials]) != 1 {
		testContext.Fatalf("expected one credential in snapshot, got %v", response.Tables)
	}
}

func TestSyncEndpointPublishesRealtimeEvent(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "vault.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	service, err := vault.NewService(vault.ServiceConfig{
		Database:   db,
		IDProvider: vault.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to build vault service: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{VaultService: service, Dispatcher: dispatcher})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	stream, cleanup := dispatcher.Subscribe(streamCtx)
	defer cleanup()

	recorder := postJSON(testContext, handler, "/v1/vault/sync", syncRequestPayload{
		Tables: []syncTablePayload{{Name: vault.TableCredentials, Rows: []engine.Row{}}},
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	select {
	case message := <-stream:
		if message.EventType != RealtimeEventVaultChanged || message.Revision != 1 {
			testContext.Fatalf("unexpected realtime message: %+v", message)
		}
	case <-time.After(time.Second):
		testContext.Fatalf("sync never published a realtime event")
	}
}
