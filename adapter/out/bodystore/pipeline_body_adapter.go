// Package bodystore keeps full email bodies in MongoDB, off the
// relational rows.
package bodystore

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pipeline_server/pkg/apperr"
)

// =============================================================================
// MongoDB Body Adapter
// =============================================================================

const (
	collectionBodies = "email_bodies"

	// Compression threshold - only compress if content is larger than this
	compressionThreshold = 1024 // 1KB
)

// BodyAdapter implements out.BodyStore using MongoDB.
type BodyAdapter struct {
	db         *mongo.Database
	collection *mongo.Collection
}

// NewBodyAdapter creates a new MongoDB body adapter.
func NewBodyAdapter(db *mongo.Database) *BodyAdapter {
	return &BodyAdapter{
		db:         db,
		collection: db.Collection(collectionBodies),
	}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *BodyAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "stored_at", Value: 1}},
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// bodyDocument represents the MongoDB document structure.
type bodyDocument struct {
	EmailID      int64     `bson:"email_id"`
	Text         []byte    `bson:"text"`
	IsCompressed bool      `bson:"is_compressed"`
	OriginalSize int64     `bson:"original_size"`
	StoredAt     time.Time `bson:"stored_at"`
}

// Put stores the body, compressing larger payloads. Re-putting the same
// email replaces the document.
func (a *BodyAdapter) Put(ctx context.Context, emailID int64, body string) error {
	doc := bodyDocument{
		EmailID:      emailID,
		Text:         []byte(body),
		OriginalSize: int64(len(body)),
		StoredAt:     time.Now().UTC(),
	}

	if len(body) > compressionThreshold {
		compressed, err := gzipBytes([]byte(body))
		if err == nil && len(compressed) < len(body) {
			doc.Text = compressed
			doc.IsCompressed = true
		}
	}

	_, err := a.collection.ReplaceOne(ctx,
		bson.M{"email_id": emailID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// Get loads the body text. A missing document returns NotFound.
func (a *BodyAdapter) Get(ctx context.Context, emailID int64) (string, error) {
	var doc bodyDocument
	err := a.collection.FindOne(ctx, bson.M{"email_id": emailID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", apperr.NotFound("email body")
	}
	if err != nil {
		return "", apperr.StoreUnavailable(err)
	}

	if doc.IsCompressed {
		text, err := gunzipBytes(doc.Text)
		if err != nil {
			return "", apperr.InternalWithError(err)
		}
		return string(text), nil
	}
	return string(doc.Text), nil
}

// Delete removes the stored body.
func (a *BodyAdapter) Delete(ctx context.Context, emailID int64) error {
	_, err := a.collection.DeleteOne(ctx, bson.M{"email_id": emailID})
	if err != nil {
		return apperr.StoreUnavailable(err)
	}
	return nil
}

// Ping checks the body store backend.
func (a *BodyAdapter) Ping(ctx context.Context) error {
	return a.db.Client().Ping(ctx, nil)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
