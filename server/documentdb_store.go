package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// getPasswordFromSecretsManager retrieves the catalog password from AWS Secrets Manager
func getPasswordFromSecretsManager(ctx context.Context, region, secretArn string) (string, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create AWS session: %w", err)
	}

	result, err := secretsmanager.New(sess).GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretArn),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret value: %w", err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret value is nil")
	}

	return *result.SecretString, nil
}

// DocumentDBStore implements the Catalog interface using MongoDB or AWS DocumentDB
type DocumentDBStore struct {
	client *mongo.Client
	files  *mongo.Collection
	now    func() time.Time
}

// DocumentDBFileItem represents a file document in the catalog
type DocumentDBFileItem struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Path         string             `bson:"path"`
	PublicURL    string             `bson:"publicUrl"`
	OriginalName string             `bson:"originalname"`
	MimeType     string             `bson:"mimetype"`
	Size         int64              `bson:"size"`
	User         string             `bson:"user"`
	CreatedAt    time.Time          `bson:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt"`
}

func (item *DocumentDBFileItem) toRecord() *FileRecord {
	return &FileRecord{
		ID:           item.ID.Hex(),
		BlobKey:      item.Path,
		PublicURL:    item.PublicURL,
		OriginalName: item.OriginalName,
		MimeType:     item.MimeType,
		SizeBytes:    item.Size,
		OwnerID:      item.User,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}
}

// createTLSConfig trusts the CA bundle at caFile, e.g. the DocumentDB global bundle
func createTLSConfig(caFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate from %s: %w", caFile, err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", caFile)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// NewDocumentDBStore connects to the catalog and verifies the connection
func NewDocumentDBStore(ctx context.Context, cfg CatalogConfig, region string) (*DocumentDBStore, error) {
	clientOptions := options.Client().ApplyURI(cfg.URI)

	if cfg.PasswordSecretArn != "" {
		password, err := getPasswordFromSecretsManager(ctx, region, cfg.PasswordSecretArn)
		if err != nil {
			return nil, fmt.Errorf("failed to get password from Secrets Manager: %w", err)
		}

		// The URI carries the user name only, the password comes from the secret
		credential := options.Credential{
			AuthMechanism: "SCRAM-SHA-1",
			AuthSource:    "admin",
			Password:      password,
		}
		if clientOptions.Auth != nil {
			credential.Username = clientOptions.Auth.Username
		}
		clientOptions.SetAuth(credential)
	}

	if cfg.TLSCAFile != "" {
		tlsConfig, err := createTLSConfig(cfg.TLSCAFile)
		if err != nil {
			return nil, err
		}
		clientOptions.SetTLSConfig(tlsConfig)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to catalog: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	return newDocumentDBStore(client, client.Database(cfg.Database).Collection(cfg.Collection)), nil
}

func newDocumentDBStore(client *mongo.Client, files *mongo.Collection) *DocumentDBStore {
	return &DocumentDBStore{
		client: client,
		files:  files,
		now:    time.Now,
	}
}

// Insert creates a new file document
func (s *DocumentDBStore) Insert(ctx context.Context, record *FileRecord) (*FileRecord, error) {
	// Mongo keeps milliseconds; truncating keeps the returned record equal to a re-read one
	now := s.now().UTC().Truncate(time.Millisecond)

	item := DocumentDBFileItem{
		ID:           primitive.NewObjectID(),
		Path:         record.BlobKey,
		PublicURL:    record.PublicURL,
		OriginalName: record.OriginalName,
		MimeType:     record.MimeType,
		Size:         record.SizeBytes,
		User:         record.OwnerID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := s.files.InsertOne(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to insert file record: %w", err)
	}

	return item.toRecord(), nil
}

// FindByID retrieves a file record by id
func (s *DocumentDBStore) FindByID(ctx context.Context, id string) (*FileRecord, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		// not an id this catalog could have issued
		return nil, fmt.Errorf("file record %s: %w", id, ErrNotFound)
	}

	var item DocumentDBFileItem
	err = s.files.FindOne(ctx, bson.M{"_id": oid}).Decode(&item)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("file record %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}

	return item.toRecord(), nil
}

// FindAll lists every file record, newest first
func (s *DocumentDBStore) FindAll(ctx context.Context) ([]*FileRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})

	cursor, err := s.files.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list file records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*FileRecord
	for cursor.Next(ctx) {
		var item DocumentDBFileItem
		if err := cursor.Decode(&item); err != nil {
			return nil, fmt.Errorf("failed to decode file record: %w", err)
		}
		records = append(records, item.toRecord())
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return records, nil
}

// DeleteByID deletes a file record
func (s *DocumentDBStore) DeleteByID(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("file record %s: %w", id, ErrNotFound)
	}

	result, err := s.files.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	if result.DeletedCount == 0 {
		return fmt.Errorf("file record %s: %w", id, ErrNotFound)
	}

	return nil
}

// Close closes the catalog connection
func (s *DocumentDBStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
