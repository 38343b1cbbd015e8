package testutil

import (
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	PostgresImage    = "postgres:16-alpine"
	PostgresPort     = "5432/tcp"
	PostgresUser     = "renku"
	PostgresPassword = "renku"
	PostgresDatabase = "k8s_cache"
)

// PostgresContainer is a shared Postgres server with its connection URL.
type PostgresContainer struct {
	*SharedContainer
	URL string
}

// StartPostgres starts a Postgres server. The log line appears twice because
// the image restarts the server after running its init scripts.
func StartPostgres() (*PostgresContainer, error) {
	shared, err := StartSharedContainer(ContainerConfig{
		Name:         "postgres",
		Image:        PostgresImage,
		ExposedPorts: []string{PostgresPort},
		Env: map[string]string{
			"POSTGRES_USER":     PostgresUser,
			"POSTGRES_PASSWORD": PostgresPassword,
			"POSTGRES_DB":       PostgresDatabase,
		},
		WaitStrategy: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(PostgresPort),
		).WithDeadline(2 * time.Minute),
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		PostgresUser, PostgresPassword, shared.GetEndpoint(PostgresPort), PostgresDatabase)
	return &PostgresContainer{SharedContainer: shared, URL: url}, nil
}
