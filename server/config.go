package server

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// ssmPrefix marks a configuration source held in AWS Parameter Store
const ssmPrefix = "ssm:"

// DefaultReconcileGrace is how long a new record may go without its blob
// before a listing treats it as stale
const DefaultReconcileGrace = 30 * time.Second

// DefaultAllowedTypes is the upload MIME allow-list used when none is configured
var DefaultAllowedTypes = []string{"image/jpeg", "image/png", "application/pdf", "text/plain"}

// Duration reads "30s" style strings from both YAML and JSON sources
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// BlobConfig configures the S3-compatible blob store
type BlobConfig struct {
	Endpoint       string   `yaml:"endpoint" json:"endpoint"`
	Region         string   `yaml:"region" json:"region"`
	AccessKey      string   `yaml:"access_key" json:"access_key"`
	SecretKey      string   `yaml:"secret_key" json:"secret_key"`
	Bucket         string   `yaml:"bucket" json:"bucket"`
	PublicBaseURL  string   `yaml:"public_base_url" json:"public_base_url"`
	ForcePathStyle bool     `yaml:"force_path_style" json:"force_path_style"`
	SignedURLTTL   Duration `yaml:"signed_url_ttl" json:"signed_url_ttl"`
}

// CatalogConfig configures the MongoDB / DocumentDB catalog
type CatalogConfig struct {
	URI               string `yaml:"uri" json:"uri"`
	Database          string `yaml:"database" json:"database"`
	Collection        string `yaml:"collection" json:"collection"`
	PasswordSecretArn string `yaml:"password_secret_arn" json:"password_secret_arn"`
	TLSCAFile         string `yaml:"tls_ca_file" json:"tls_ca_file"`
}

// Config represents the server configuration
type Config struct {
	Server struct {
		HTTPPort         int      `yaml:"http_port" json:"http_port"`
		GRPCPort         int      `yaml:"grpc_port" json:"grpc_port"`
		OperationTimeout Duration `yaml:"operation_timeout" json:"operation_timeout"`
	} `yaml:"server" json:"server"`
	Blob    BlobConfig    `yaml:"blob" json:"blob"`
	Catalog CatalogConfig `yaml:"catalog" json:"catalog"`
	Cache   struct {
		Address string   `yaml:"address" json:"address"`
		TTL     Duration `yaml:"ttl" json:"ttl"`
	} `yaml:"cache" json:"cache"`
	Upload struct {
		MaxSize      int64    `yaml:"max_size" json:"max_size"`
		AllowedTypes []string `yaml:"allowed_types" json:"allowed_types"`
	} `yaml:"upload" json:"upload"`
	Reconcile struct {
		Parallelism int `yaml:"parallelism" json:"parallelism"`
		// Grace is nil when unset; an explicit zero disables the window
		Grace *Duration `yaml:"grace" json:"grace"`
	} `yaml:"reconcile" json:"reconcile"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	} `yaml:"auth" json:"auth"`
	Log struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
	Tracing struct {
		Endpoint string `yaml:"endpoint" json:"endpoint"`
	} `yaml:"tracing" json:"tracing"`
}

// LoadConfig loads the configuration from a YAML file, or from Parameter
// Store when source starts with "ssm:", then applies environment overrides
// and defaults. An empty source reads the environment only.
func LoadConfig(source string) (*Config, error) {
	var (
		config *Config
		err    error
	)

	switch {
	case source == "":
		config = &Config{}
	case strings.HasPrefix(source, ssmPrefix):
		config, err = loadConfigFromParameterStore(strings.TrimPrefix(source, ssmPrefix))
	default:
		config, err = loadConfigFromFile(source)
	}
	if err != nil {
		return nil, err
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}
	applyDefaults(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadConfigFromFile loads the configuration from a YAML file
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// loadConfigFromParameterStore loads the configuration from AWS Parameter Store
func loadConfigFromParameterStore(paramPath string) (*Config, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	param, err := ssm.New(sess).GetParameter(&ssm.GetParameterInput{
		Name:           aws.String(paramPath),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get parameter from Parameter Store: %w", err)
	}

	var config Config
	if err := json.Unmarshal([]byte(aws.StringValue(param.Parameter.Value)), &config); err != nil {
		return nil, fmt.Errorf("failed to parse parameter value as JSON: %w", err)
	}

	return &config, nil
}

type envBinding struct {
	key   string
	envs  []string
	apply func(v *viper.Viper, key string, config *Config) error
}

func stringEnv(dst func(*Config) *string) func(*viper.Viper, string, *Config) error {
	return func(v *viper.Viper, key string, config *Config) error {
		*dst(config) = v.GetString(key)
		return nil
	}
}

func durationEnv(dst func(*Config) *Duration) func(*viper.Viper, string, *Config) error {
	return func(v *viper.Viper, key string, config *Config) error {
		return dst(config).set(v.GetString(key))
	}
}

func intEnv(dst func(*Config) *int) func(*viper.Viper, string, *Config) error {
	return func(v *viper.Viper, key string, config *Config) error {
		n, err := parseInt(v.GetString(key))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst(config) = int(n)
		return nil
	}
}

var envBindings = []envBinding{
	{"server.http_port", []string{"HTTP_PORT"}, intEnv(func(c *Config) *int { return &c.Server.HTTPPort })},
	{"server.grpc_port", []string{"GRPC_PORT"}, intEnv(func(c *Config) *int { return &c.Server.GRPCPort })},
	{"server.operation_timeout", []string{"OPERATION_TIMEOUT"}, durationEnv(func(c *Config) *Duration { return &c.Server.OperationTimeout })},
	{"blob.endpoint", []string{"BLOB_ENDPOINT"}, stringEnv(func(c *Config) *string { return &c.Blob.Endpoint })},
	{"blob.region", []string{"BLOB_REGION", "AWS_REGION"}, stringEnv(func(c *Config) *string { return &c.Blob.Region })},
	{"blob.access_key", []string{"BLOB_ACCESS_KEY"}, stringEnv(func(c *Config) *string { return &c.Blob.AccessKey })},
	{"blob.secret_key", []string{"BLOB_SECRET_KEY"}, stringEnv(func(c *Config) *string { return &c.Blob.SecretKey })},
	{"blob.bucket", []string{"BLOB_BUCKET"}, stringEnv(func(c *Config) *string { return &c.Blob.Bucket })},
	{"blob.public_base_url", []string{"BLOB_PUBLIC_BASE_URL"}, stringEnv(func(c *Config) *string { return &c.Blob.PublicBaseURL })},
	{"blob.force_path_style", []string{"BLOB_FORCE_PATH_STYLE"}, func(v *viper.Viper, key string, c *Config) error {
		c.Blob.ForcePathStyle = v.GetBool(key)
		return nil
	}},
	{"blob.signed_url_ttl", []string{"SIGNED_URL_TTL"}, durationEnv(func(c *Config) *Duration { return &c.Blob.SignedURLTTL })},
	{"catalog.uri", []string{"CATALOG_URI"}, stringEnv(func(c *Config) *string { return &c.Catalog.URI })},
	{"catalog.database", []string{"CATALOG_DATABASE"}, stringEnv(func(c *Config) *string { return &c.Catalog.Database })},
	{"catalog.collection", []string{"CATALOG_COLLECTION"}, stringEnv(func(c *Config) *string { return &c.Catalog.Collection })},
	{"catalog.password_secret_arn", []string{"CATALOG_PASSWORD_SECRET_ARN"}, stringEnv(func(c *Config) *string { return &c.Catalog.PasswordSecretArn })},
	{"catalog.tls_ca_file", []string{"CATALOG_TLS_CA_FILE"}, stringEnv(func(c *Config) *string { return &c.Catalog.TLSCAFile })},
	{"cache.address", []string{"CACHE_ADDRESS"}, stringEnv(func(c *Config) *string { return &c.Cache.Address })},
	{"cache.ttl", []string{"CACHE_TTL"}, durationEnv(func(c *Config) *Duration { return &c.Cache.TTL })},
	{"upload.max_size", []string{"MAX_UPLOAD_SIZE"}, func(v *viper.Viper, key string, c *Config) error {
		n, err := parseInt(v.GetString(key))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		c.Upload.MaxSize = n
		return nil
	}},
	{"upload.allowed_types", []string{"ALLOWED_MIME_TYPES"}, func(v *viper.Viper, key string, c *Config) error {
		c.Upload.AllowedTypes = splitList(v.GetString(key))
		return nil
	}},
	{"reconcile.parallelism", []string{"RECONCILE_PARALLELISM"}, intEnv(func(c *Config) *int { return &c.Reconcile.Parallelism })},
	{"reconcile.grace", []string{"RECONCILE_GRACE"}, func(v *viper.Viper, key string, c *Config) error {
		grace := &Duration{}
		if err := grace.set(v.GetString(key)); err != nil {
			return err
		}
		c.Reconcile.Grace = grace
		return nil
	}},
	{"auth.jwt_secret", []string{"JWT_SECRET"}, stringEnv(func(c *Config) *string { return &c.Auth.JWTSecret })},
	{"log.level", []string{"LOG_LEVEL"}, stringEnv(func(c *Config) *string { return &c.Log.Level })},
	{"log.format", []string{"LOG_FORMAT"}, stringEnv(func(c *Config) *string { return &c.Log.Format })},
	{"tracing.endpoint", []string{"OTEL_EXPORTER_OTLP_ENDPOINT"}, stringEnv(func(c *Config) *string { return &c.Tracing.Endpoint })},
}

// applyEnv overrides configuration values with environment variables
func applyEnv(config *Config) error {
	v := viper.New()
	for _, b := range envBindings {
		if err := v.BindEnv(append([]string{b.key}, b.envs...)...); err != nil {
			return fmt.Errorf("failed to bind %s: %w", b.key, err)
		}
	}

	for _, b := range envBindings {
		if !v.IsSet(b.key) {
			continue
		}
		if err := b.apply(v, b.key, config); err != nil {
			return err
		}
	}

	return nil
}

// applyDefaults sets default values for the configuration
func applyDefaults(config *Config) {
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 3000
	}
	if config.Server.GRPCPort == 0 {
		config.Server.GRPCPort = 3001
	}
	if config.Server.OperationTimeout.Duration == 0 {
		config.Server.OperationTimeout.Duration = 30 * time.Second
	}
	if config.Blob.Region == "" {
		config.Blob.Region = "us-east-1"
	}
	if config.Blob.Bucket == "" {
		config.Blob.Bucket = "uploads"
	}
	if config.Blob.SignedURLTTL.Duration == 0 {
		config.Blob.SignedURLTTL.Duration = 60 * time.Second
	}
	if config.Catalog.Database == "" {
		config.Catalog.Database = "filevault"
	}
	if config.Catalog.Collection == "" {
		config.Catalog.Collection = "files"
	}
	if config.Cache.TTL.Duration == 0 {
		config.Cache.TTL.Duration = time.Hour
	}
	if config.Upload.MaxSize == 0 {
		config.Upload.MaxSize = 5 << 20
	}
	if len(config.Upload.AllowedTypes) == 0 {
		config.Upload.AllowedTypes = append([]string(nil), DefaultAllowedTypes...)
	}
	if config.Reconcile.Parallelism == 0 {
		config.Reconcile.Parallelism = 8
	}
	if config.Reconcile.Grace == nil {
		config.Reconcile.Grace = &Duration{Duration: DefaultReconcileGrace}
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "json"
	}
}

// Validate reports configuration that cannot start a server
func (c *Config) Validate() error {
	if c.Catalog.URI == "" {
		return fmt.Errorf("catalog uri is required")
	}
	if c.Upload.MaxSize < 0 {
		return fmt.Errorf("upload max_size must not be negative")
	}
	if c.Reconcile.Parallelism < 0 {
		return fmt.Errorf("reconcile parallelism must not be negative")
	}
	if c.Reconcile.Grace != nil && c.Reconcile.Grace.Duration < 0 {
		return fmt.Errorf("reconcile grace must not be negative")
	}
	if c.Blob.AccessKey != "" && c.Blob.SecretKey == "" {
		return fmt.Errorf("blob secret_key is required with access_key")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
