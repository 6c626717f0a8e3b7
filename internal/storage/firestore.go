package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/webview-handoff/internal/cookie"
	"github.com/dgellow/webview-handoff/internal/crypto"
	"github.com/dgellow/webview-handoff/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStorage mirrors credentials into a Firestore collection.
//
// Credential values are encrypted before they are written. Writes are
// acknowledged by Firestore before SetCredential returns, so Flush has
// nothing left to do.
type FirestoreStorage struct {
	client     *firestore.Client
	projectID  string
	collection string
	encryptor  crypto.Encryptor
	now        func() time.Time
}

// Ensure FirestoreStorage implements CredentialStore
var _ CredentialStore = (*FirestoreStorage)(nil)

// CredentialDoc represents a credential document in Firestore
type CredentialDoc struct {
	Origin        string    `firestore:"origin"`
	Name          string    `firestore:"name"`
	Value         string    `firestore:"value"` // Encrypted
	Path          string    `firestore:"path"`
	MaxAgeSeconds int64     `firestore:"max_age_seconds"`
	Secure        bool      `firestore:"secure"`
	SameSite      string    `firestore:"same_site"`
	SetAt         time.Time `firestore:"set_at"`
	ExpiresAt     time.Time `firestore:"expires_at"`
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor) (*FirestoreStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Connected to Firestore", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	return &FirestoreStorage{
		client:     client,
		projectID:  projectID,
		collection: collection,
		encryptor:  encryptor,
		now:        time.Now,
	}, nil
}

// docID derives a Firestore-safe document ID; origins contain slashes
func docID(origin, name string) string {
	sum := sha256.Sum256([]byte(origin + "|" + name))
	return hex.EncodeToString(sum[:])
}

func sameSiteString(s http.SameSite) string {
	switch s {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return ""
	}
}

func parseSameSite(s string) http.SameSite {
	switch s {
	case "Lax":
		return http.SameSiteLaxMode
	case "Strict":
		return http.SameSiteStrictMode
	case "None":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}

// toDoc converts a record to its stored form, encrypting the value
func toDoc(rec cookie.Record, encryptor crypto.Encryptor) (*CredentialDoc, error) {
	encrypted, err := encryptor.Encrypt(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("encrypting credential: %w", err)
	}
	return &CredentialDoc{
		Origin:        rec.Origin,
		Name:          rec.Name,
		Value:         encrypted,
		Path:          rec.Path,
		MaxAgeSeconds: int64(rec.MaxAge / time.Second),
		Secure:        rec.Secure,
		SameSite:      sameSiteString(rec.SameSite),
		SetAt:         rec.SetAt,
		ExpiresAt:     rec.ExpiresAt(),
	}, nil
}

// live reports whether the document's max-age has not yet elapsed at now
func (d *CredentialDoc) live(now time.Time) bool {
	return d.ExpiresAt.After(now)
}

// toRecord converts a stored document back, decrypting the value
func (d *CredentialDoc) toRecord(encryptor crypto.Encryptor) (cookie.Record, error) {
	value, err := encryptor.Decrypt(d.Value)
	if err != nil {
		return cookie.Record{}, fmt.Errorf("decrypting credential: %w", err)
	}
	return cookie.Record{
		Origin:   d.Origin,
		Name:     d.Name,
		Value:    value,
		Path:     d.Path,
		MaxAge:   time.Duration(d.MaxAgeSeconds) * time.Second,
		Secure:   d.Secure,
		SameSite: parseSameSite(d.SameSite),
		SetAt:    d.SetAt,
	}, nil
}

// SetCredential overwrites the document for the record's origin and name
func (s *FirestoreStorage) SetCredential(ctx context.Context, rec cookie.Record) error {
	doc, err := toDoc(rec, s.encryptor)
	if err != nil {
		return err
	}

	if _, err := s.client.Collection(s.collection).Doc(docID(rec.Origin, rec.Name)).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to store credential in Firestore: %w", err)
	}

	log.LogDebugWithFields("storage", "Credential mirrored to Firestore", map[string]any{
		"origin": rec.Origin,
		"name":   rec.Name,
	})
	return nil
}

// Flush is a no-op; Set returns after the write is committed
func (s *FirestoreStorage) Flush(context.Context) error {
	return nil
}

// GetCredential loads the live record for origin and name
func (s *FirestoreStorage) GetCredential(ctx context.Context, origin, name string) (*cookie.Record, error) {
	snap, err := s.client.Collection(s.collection).Doc(docID(origin, name)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential from Firestore: %w", err)
	}

	var doc CredentialDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}

	rec, err := doc.toRecord(s.encryptor)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, ErrCredentialNotFound
	}
	return &rec, nil
}

// ListCredentials returns every live record for origin. Only the origin
// is queried so the single-field index suffices; expiry is checked here.
func (s *FirestoreStorage) ListCredentials(ctx context.Context, origin string) ([]cookie.Record, error) {
	iter := s.client.Collection(s.collection).
		Where("origin", "==", origin).
		Documents(ctx)
	defer iter.Stop()

	now := s.now()

	var out []cookie.Record
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating Firestore documents: %w", err)
		}

		var doc CredentialDoc
		if err := snap.DataTo(&doc); err != nil {
			log.LogError("Failed to unmarshal credential from Firestore (doc: %s): %v", snap.Ref.ID, err)
			continue
		}
		if !doc.live(now) {
			continue
		}
		rec, err := doc.toRecord(s.encryptor)
		if err != nil {
			log.LogError("Failed to decrypt credential (doc: %s): %v", snap.Ref.ID, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// CleanupExpired deletes documents whose max-age has elapsed
func (s *FirestoreStorage) CleanupExpired(ctx context.Context) (int, error) {
	iter := s.client.Collection(s.collection).
		Where("expires_at", "<=", s.now()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("error iterating expired credentials: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			log.LogError("Failed to delete expired credential (doc: %s): %v", snap.Ref.ID, err)
			continue
		}
		count++
	}
	return count, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
