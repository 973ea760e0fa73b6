// Package testdeps starts the external services which integration tests need
// (MongoDB, MinIO, MySQL, PostgreSQL) in containers, and tears them down when
// the test ends. Set SKIP_INTEGRATION=1 to skip every test which uses it.
package testdeps

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	accessKey = "minioadmin"
	secretKey = "minioadmin"
	bucket    = "test-bucket"
	region    = "us-east-1"

	sqlUser     = "extents"
	sqlPassword = "extents"
	sqlDatabase = "extents"
)

type Env struct {
	t   *testing.T
	cfg *config

	mongoURL    string
	mysqlDSN    string
	postgresDSN string

	S3URI    string
	S3Bucket string
	S3Key    string
	S3Secret string

	containers []testcontainers.Container
}

type Option func(*config)

type config struct {
	useMongo    bool
	useMinio    bool
	useMySQL    bool
	usePostgres bool
}

func WithMongo() Option {
	return func(c *config) {
		c.useMongo = true
	}
}

func WithMinio() Option {
	return func(c *config) {
		c.useMinio = true
	}
}

func WithMySQL() Option {
	return func(c *config) {
		c.useMySQL = true
	}
}

func WithPostgres() Option {
	return func(c *config) {
		c.usePostgres = true
	}
}

func New(ctx context.Context, t *testing.T, opts ...Option) *Env {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "1" {
		t.Skip("Skipping integration test")
	}

	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	env := &Env{
		cfg:      cfg,
		S3Bucket: bucket,
		S3Key:    accessKey,
		S3Secret: secretKey,
		t:        t,
	}

	t.Cleanup(func() {
		for _, c := range env.containers {
			c.Terminate(context.Background())
		}
	})

	if cfg.useMongo {
		env.startMongo(ctx)
	}

	if cfg.useMinio {
		env.startMinio(ctx)
	}

	if cfg.useMySQL {
		env.startMySQL(ctx)
	}

	if cfg.usePostgres {
		env.startPostgres(ctx)
	}

	return env
}

// MongoURL returns the URL to the Mongo server, or fails the test if Mongo is
// not enabled. Use WithMongo to enable it.
func (e *Env) MongoURL() string {
	e.t.Helper()

	if !e.cfg.useMongo {
		e.t.Fatalf("mongo is not enabled; use WithMongo to enable it")
	}

	return e.mongoURL
}

// MySQLDSN returns a go-sql-driver/mysql DSN. Use WithMySQL to enable it.
func (e *Env) MySQLDSN() string {
	e.t.Helper()

	if !e.cfg.useMySQL {
		e.t.Fatalf("mysql is not enabled; use WithMySQL to enable it")
	}

	return e.mysqlDSN
}

// PostgresDSN returns a lib/pq connection URL. Use WithPostgres to enable it.
func (e *Env) PostgresDSN() string {
	e.t.Helper()

	if !e.cfg.usePostgres {
		e.t.Fatalf("postgres is not enabled; use WithPostgres to enable it")
	}

	return e.postgresDSN
}

func (e *Env) startMongo(ctx context.Context) {
	mongoC, err := tcmongo.Run(ctx,
		"mongo:6",
		tcmongo.WithReplicaSet("rs"))
	if err != nil {
		e.t.Fatalf("tcmongo.Run: %v", err)
	}

	e.containers = append(e.containers, mongoC)

	cs, err := mongoC.ConnectionString(ctx)
	if err != nil {
		e.t.Fatalf("ConnectionString: %v", err)
	}

	// Use direct connection, since we are using a single-node replset here.
	// Weird that this isn't included in the URL returned by ConnectionString
	// when WithReplicaSet is used.
	e.mongoURL = fmt.Sprintf("%s/?connect=direct", cs)
}

func (e *Env) startMinio(ctx context.Context) {
	minioC, err := runMinio(ctx)
	if minioC != nil {
		e.containers = append(e.containers, minioC)
	}
	if err != nil {
		e.t.Fatalf("runMinio: %v", err)
	}

	minioPort, err := minioC.MappedPort(ctx, "9000/tcp")
	if err != nil {
		e.t.Fatalf("get minio port: %v", err)
	}
	e.S3URI = fmt.Sprintf("http://localhost:%s", minioPort.Port())

	e.t.Setenv("AWS_ACCESS_KEY_ID", e.S3Key)
	e.t.Setenv("AWS_SECRET_ACCESS_KEY", e.S3Secret)
	e.t.Setenv("AWS_ENDPOINT_URL_S3", e.S3URI)
	e.t.Setenv("AWS_REGION", region)
}

func runMinio(ctx context.Context) (testcontainers.Container, error) {
	c, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername(accessKey),
		tcminio.WithPassword(secretKey))
	if err != nil {
		return nil, err
	}

	url, err := c.ConnectionString(ctx)
	if err != nil {
		return c, err
	}

	minioC, err := minio.New(url, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})
	if err != nil {
		return c, err
	}

	err = minioC.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
	if err != nil {
		return c, err
	}

	return c, nil
}

func (e *Env) startMySQL(ctx context.Context) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": sqlPassword,
				"MYSQL_USER":          sqlUser,
				"MYSQL_PASSWORD":      sqlPassword,
				"MYSQL_DATABASE":      sqlDatabase,
			},
			WaitingFor: wait.ForLog("port: 3306  MySQL Community Server").
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		e.t.Fatalf("start mysql: %v", err)
	}

	e.containers = append(e.containers, c)

	host, port := e.endpoint(ctx, c, "3306/tcp")
	e.mysqlDSN = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s", sqlUser, sqlPassword, host, port, sqlDatabase)
}

func (e *Env) startPostgres(ctx context.Context) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     sqlUser,
				"POSTGRES_PASSWORD": sqlPassword,
				"POSTGRES_DB":       sqlDatabase,
			},
			// the server restarts once after initdb, so wait for the
			// second one.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		e.t.Fatalf("start postgres: %v", err)
	}

	e.containers = append(e.containers, c)

	host, port := e.endpoint(ctx, c, "5432/tcp")
	e.postgresDSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", sqlUser, sqlPassword, host, port, sqlDatabase)
}

func (e *Env) endpoint(ctx context.Context, c testcontainers.Container, port string) (string, string) {
	host, err := c.Host(ctx)
	if err != nil {
		e.t.Fatalf("Host: %v", err)
	}

	p, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		e.t.Fatalf("MappedPort(%s): %v", port, err)
	}

	return host, p.Port()
}
