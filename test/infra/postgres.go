package infra

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DSNEnv names an existing database the stress run should reuse.
const DSNEnv = "SHAREREPO_STRESS_DSN"

const localDatabase = "sharerepo_stress"

// Database is the Postgres a stress run talks to.
type Database struct {
	DSN string
	// Source says where the database came from, for test logs.
	Source string
	// Shared databases belong to someone else; runs isolate into a schema.
	Shared bool

	container *postgres.PostgresContainer
}

// Locate picks a database in order of preference: dsn, $SHAREREPO_STRESS_DSN,
// a throwaway container when docker answers, then a server on localhost:5432.
func Locate(ctx context.Context, dsn string) (*Database, error) {
	if dsn != "" {
		return &Database{DSN: dsn, Source: "flag", Shared: true}, nil
	}
	if dsn := os.Getenv(DSNEnv); dsn != "" {
		return &Database{DSN: dsn, Source: DSNEnv, Shared: true}, nil
	}
	if dockerAvailable(ctx) {
		return startContainer(ctx)
	}
	return recreateLocal(ctx)
}

func (d *Database) Close(ctx context.Context) error {
	if d == nil || d.container == nil {
		return nil
	}
	return d.container.Terminate(ctx)
}

func startContainer(ctx context.Context) (*Database, error) {
	c, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("sharerepo"),
		postgres.WithUsername("sharerepo"),
		postgres.WithPassword("sharerepo"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("resolve connection string: %w", err)
	}
	return &Database{DSN: dsn, Source: "container", container: c}, nil
}

// recreateLocal drops and recreates sharerepo_stress on a local server,
// trying the usual superuser logins.
func recreateLocal(ctx context.Context) (*Database, error) {
	user := os.Getenv("USER")
	logins := []string{"postgres", "postgres:postgres", user, user + ":postgres"}

	var (
		admin *pgx.Conn
		login string
		err   error
	)
	for _, login = range logins {
		connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		admin, err = pgx.Connect(connCtx, localDSN(login, "postgres"))
		cancel()
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("no local postgres: %w", err)
	}
	defer admin.Close(ctx)

	name := pgx.Identifier{localDatabase}.Sanitize()
	_, _ = admin.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`, localDatabase)
	if _, err := admin.Exec(ctx, "DROP DATABASE IF EXISTS "+name); err != nil {
		return nil, fmt.Errorf("drop %s: %w", localDatabase, err)
	}
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+name); err != nil {
		return nil, fmt.Errorf("create %s: %w", localDatabase, err)
	}
	return &Database{DSN: localDSN(login, localDatabase), Source: "localhost"}, nil
}

func localDSN(login, db string) string {
	return fmt.Sprintf("postgres://%s@127.0.0.1:5432/%s?sslmode=disable", login, db)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}
