package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8080
  operation_timeout: 10s
blob:
  endpoint: http://localhost:9000
  region: eu-west-1
  bucket: files
  force_path_style: true
  signed_url_ttl: 2m
catalog:
  uri: mongodb://localhost:27017
  database: vault
cache:
  address: localhost:6379
upload:
  max_size: 1024
  allowed_types: [image/png]
reconcile:
  parallelism: 4
  grace: 1m
log:
  level: debug
  format: text
`)
	t.Setenv("AWS_REGION", "")
	t.Setenv("BLOB_REGION", "")
	t.Setenv("HTTP_PORT", "")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, config.Server.HTTPPort)
	assert.Equal(t, 3001, config.Server.GRPCPort)
	assert.Equal(t, 10*time.Second, config.Server.OperationTimeout.Duration)
	assert.Equal(t, "http://localhost:9000", config.Blob.Endpoint)
	assert.Equal(t, "eu-west-1", config.Blob.Region)
	assert.Equal(t, "files", config.Blob.Bucket)
	assert.True(t, config.Blob.ForcePathStyle)
	assert.Equal(t, 2*time.Minute, config.Blob.SignedURLTTL.Duration)
	assert.Equal(t, "mongodb://localhost:27017", config.Catalog.URI)
	assert.Equal(t, "vault", config.Catalog.Database)
	assert.Equal(t, "files", config.Catalog.Collection)
	assert.Equal(t, "localhost:6379", config.Cache.Address)
	assert.Equal(t, time.Hour, config.Cache.TTL.Duration)
	assert.Equal(t, int64(1024), config.Upload.MaxSize)
	assert.Equal(t, []string{"image/png"}, config.Upload.AllowedTypes)
	assert.Equal(t, 4, config.Reconcile.Parallelism)
	assert.Equal(t, time.Minute, config.Reconcile.Grace.Duration)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, "text", config.Log.Format)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8080
catalog:
  uri: mongodb://file:27017
`)

	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("CATALOG_URI", "mongodb://env:27017")
	t.Setenv("BLOB_REGION", "ap-southeast-2")
	t.Setenv("SIGNED_URL_TTL", "90s")
	t.Setenv("MAX_UPLOAD_SIZE", "2048")
	t.Setenv("ALLOWED_MIME_TYPES", "image/png, application/pdf")
	t.Setenv("BLOB_FORCE_PATH_STYLE", "true")
	t.Setenv("JWT_SECRET", "s3cret")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Server.HTTPPort)
	assert.Equal(t, "mongodb://env:27017", config.Catalog.URI)
	assert.Equal(t, "ap-southeast-2", config.Blob.Region)
	assert.Equal(t, 90*time.Second, config.Blob.SignedURLTTL.Duration)
	assert.Equal(t, int64(2048), config.Upload.MaxSize)
	assert.Equal(t, []string{"image/png", "application/pdf"}, config.Upload.AllowedTypes)
	assert.True(t, config.Blob.ForcePathStyle)
	assert.Equal(t, "s3cret", config.Auth.JWTSecret)
}

func TestLoadConfig_EnvOnly(t *testing.T) {
	t.Setenv("CATALOG_URI", "mongodb://localhost:27017")
	t.Setenv("BLOB_REGION", "")
	t.Setenv("AWS_REGION", "")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 3000, config.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, config.Server.OperationTimeout.Duration)
	assert.Equal(t, "us-east-1", config.Blob.Region)
	assert.Equal(t, "uploads", config.Blob.Bucket)
	assert.Equal(t, 60*time.Second, config.Blob.SignedURLTTL.Duration)
	assert.Equal(t, int64(5<<20), config.Upload.MaxSize)
	assert.Equal(t, DefaultAllowedTypes, config.Upload.AllowedTypes)
	assert.Equal(t, 8, config.Reconcile.Parallelism)
	assert.Equal(t, 30*time.Second, config.Reconcile.Grace.Duration)
	assert.Equal(t, "info", config.Log.Level)
	assert.Equal(t, "json", config.Log.Format)
}

func TestLoadConfig_ReconcileGraceDisabled(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, "catalog:\n  uri: mongodb://x\nreconcile:\n  grace: 0s\n"))
		require.NoError(t, err)
		require.NotNil(t, config.Reconcile.Grace)
		assert.Equal(t, time.Duration(0), reconcileGrace(config))
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv("RECONCILE_GRACE", "0s")
		config, err := LoadConfig(writeConfig(t, "catalog:\n  uri: mongodb://x\nreconcile:\n  grace: 1m\n"))
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), reconcileGrace(config))
	})

	t.Run("unset", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, "catalog:\n  uri: mongodb://x\n"))
		require.NoError(t, err)
		assert.Equal(t, DefaultReconcileGrace, reconcileGrace(config))
	})
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "server: [unterminated"))
		assert.Error(t, err)
	})

	t.Run("invalid duration", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "catalog:\n  uri: mongodb://x\nblob:\n  signed_url_ttl: soon\n"))
		assert.Error(t, err)
	})

	t.Run("invalid env number", func(t *testing.T) {
		t.Setenv("RECONCILE_PARALLELISM", "many")
		_, err := LoadConfig(writeConfig(t, "catalog:\n  uri: mongodb://x\n"))
		assert.Error(t, err)
	})

	t.Run("negative grace", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "catalog:\n  uri: mongodb://x\nreconcile:\n  grace: -1s\n"))
		assert.Error(t, err)
	})

	t.Run("catalog uri required", func(t *testing.T) {
		t.Setenv("CATALOG_URI", "")
		_, err := LoadConfig(writeConfig(t, "server:\n  http_port: 8080\n"))
		assert.Error(t, err)
	})

	t.Run("secret key required with access key", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "catalog:\n  uri: mongodb://x\nblob:\n  access_key: AKIA\n"))
		assert.Error(t, err)
	})
}
