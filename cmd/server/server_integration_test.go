//go:build integration

package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	migrationSQL, err := os.ReadFile("../../migrations/000001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgres.Terminate(ctx)
	}

	return db, cleanup
}

// TestEndToEnd_PersistedTenant creates a tenant, schema and query over HTTP,
// then restarts the server on the same database and evaluates again
func TestEndToEnd_PersistedTenant(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	server, err := NewServerWithDB(db)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(server)
	baseURL := ts.URL + "/api/v1"

	tenantID := setupTenant(t, baseURL)
	queryResp := makeRequest(t, "POST", baseURL+"/tenants/"+tenantID+"/queries", map[string]any{
		"name":  "Sixties coupes",
		"query": sixtiesCoupes,
	})
	queryID := queryResp["id"].(string)
	ts.Close()

	restarted, err := NewServerWithDB(db)
	if err != nil {
		t.Fatalf("Failed to restart server: %v", err)
	}
	ts = httptest.NewServer(restarted)
	defer ts.Close()
	baseURL = ts.URL + "/api/v1"

	evalResp := makeRequest(t, "POST", baseURL+"/evaluate", map[string]any{
		"tenantId": tenantID,
		"queries":  []string{queryID},
		"object":   map[string]any{"year": 1967, "bodyStyle": "Fastback"},
	})
	results, ok := evalResp["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("Expected one result, got %v", evalResp)
	}
	if matched, _ := results[0].(map[string]any)["matched"].(bool); !matched {
		t.Errorf("Expected persisted query to match after restart, got %v", results[0])
	}

	schemaResp := makeRequestNoBody(t, "GET", baseURL+"/tenants/"+tenantID+"/schema")
	if schemaResp["version"].(float64) != 1 {
		t.Errorf("Expected schema version 1, got %v", schemaResp["version"])
	}

	tenantsResp := makeRequestNoBody(t, "GET", baseURL+"/tenants")
	if tenants := tenantsResp["tenants"].([]any); len(tenants) != 1 {
		t.Errorf("Expected 1 tenant, got %v", tenants)
	}
}
