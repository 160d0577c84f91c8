// Package testutil starts the containers integration tests run against.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cloo-solutions/regaudit/internal/database"
)

const (
	// PostgresImage ships the vector extension the migrations create
	PostgresImage = "pgvector/pgvector:0.8.1-pg18"
	MinIOImage    = "minio/minio:RELEASE.2025-04-22T22-12-26Z"

	testUser     = "regaudit"
	testPassword = "regaudit-secret"
)

// endpoint is a started container and its mapped host port
type endpoint struct {
	Container testcontainers.Container
	Host      string
	Port      string
}

func start(ctx context.Context, t *testing.T, req testcontainers.ContainerRequest, port string) endpoint {
	t.Helper()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start %s: %v", req.Image, err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("%s host: %v", req.Image, err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("%s port %s: %v", req.Image, port, err)
	}
	return endpoint{Container: c, Host: host, Port: mapped.Port()}
}

func (e endpoint) Terminate(ctx context.Context) error {
	return testcontainers.TerminateContainer(e.Container)
}

type PostgresContainer struct {
	endpoint
	Database string
}

// NewPostgresContainer starts Postgres with pgvector installed
func NewPostgresContainer(ctx context.Context, t *testing.T) *PostgresContainer {
	t.Helper()
	ep := start(ctx, t, testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     testUser,
			"POSTGRES_PASSWORD": testPassword,
			"POSTGRES_DB":       "regaudit",
		},
		// the entrypoint restarts the server once after init
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithStartupTimeout(90 * time.Second),
	}, "5432")
	return &PostgresContainer{endpoint: ep, Database: "regaudit"}
}

func (pc *PostgresContainer) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		testUser, testPassword, pc.Host, pc.Port, pc.Database)
}

// NewTestPool migrates the container database with migrationsDir and
// returns a pool on it.
func NewTestPool(ctx context.Context, t *testing.T, pc *PostgresContainer, migrationsDir string) *pgxpool.Pool {
	t.Helper()
	pool, err := database.NewPool(ctx, database.Config{
		URL:         pc.ConnectionString(),
		MaxConns:    10,
		ConnectWait: 15 * time.Second,
	})
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	if _, err := database.Migrate(pc.ConnectionString(), migrationsDir); err != nil {
		pool.Close()
		t.Fatalf("migrate test database: %v", err)
	}
	return pool
}

type MinIOContainer struct {
	endpoint
	AccessKey string
	SecretKey string
}

// NewMinIOContainer starts an S3-compatible store for report archive tests
func NewMinIOContainer(ctx context.Context, t *testing.T) *MinIOContainer {
	t.Helper()
	ep := start(ctx, t, testcontainers.ContainerRequest{
		Image:        MinIOImage,
		ExposedPorts: []string{"9000/tcp"},
		Cmd:          []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     testUser,
			"MINIO_ROOT_PASSWORD": testPassword,
		},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	}, "9000")
	return &MinIOContainer{endpoint: ep, AccessKey: testUser, SecretKey: testPassword}
}

func (mc *MinIOContainer) Endpoint() string {
	return fmt.Sprintf("http://%s:%s", mc.Host, mc.Port)
}
