package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alimasry/collab-ot/ot"
)

// FirestoreStore is a Firestore-backed implementation of Store.
//
// Layout: contents/{id} holds the head version, with subcollections
// operations/{%010d} (0-based index) and versions/{%010d}.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "contents"
	}
	return &FirestoreStore{
		client:     client,
		collection: collection,
	}
}

type firestoreOp struct {
	ID          string         `firestore:"id"`
	AuthorID    string         `firestore:"authorId"`
	Kind        string         `firestore:"kind"`
	Position    int64          `firestore:"position"`
	Length      int64          `firestore:"length"`
	Text        string         `firestore:"text"`
	BaseVersion int64          `firestore:"baseVersion"`
	Meta        map[string]any `firestore:"meta,omitempty"`
	Version     int64          `firestore:"version"`
}

type firestoreVersion struct {
	Text      string    `firestore:"text"`
	Version   int64     `firestore:"version"`
	CreatedBy string    `firestore:"createdBy"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) opsCollection(id string) *firestore.CollectionRef {
	return s.docRef(id).Collection("operations")
}

func (s *FirestoreStore) versionsCollection(id string) *firestore.CollectionRef {
	return s.docRef(id).Collection("versions")
}

func zeroPad(n int) string {
	return fmt.Sprintf("%010d", n)
}

func (s *FirestoreStore) Create(ctx context.Context, seed ContentVersion) error {
	now := time.Now()
	if seed.CreatedAt.IsZero() {
		seed.CreatedAt = now
	}
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(s.docRef(seed.ContentID), map[string]interface{}{
			"version":   0,
			"createdBy": seed.CreatedBy,
			"createdAt": now,
			"updatedAt": now,
		}); err != nil {
			return err
		}
		return tx.Set(s.versionsCollection(seed.ContentID).Doc(zeroPad(0)), firestoreVersion{
			Text:      seed.Text,
			CreatedBy: seed.CreatedBy,
			CreatedAt: seed.CreatedAt,
		})
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, seed.ContentID)
	}
	return err
}

func (s *FirestoreStore) List(ctx context.Context) ([]string, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, snap.Ref.ID)
	}
	return ids, nil
}

func (s *FirestoreStore) LatestSnapshot(ctx context.Context, id string) (*ContentVersion, error) {
	iter := s.versionsCollection(id).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var v firestoreVersion
	if err := snap.DataTo(&v); err != nil {
		return nil, fmt.Errorf("decode version %s of %q: %w", snap.Ref.ID, id, err)
	}
	return &ContentVersion{
		ContentID: id,
		Version:   int(v.Version),
		Text:      v.Text,
		CreatedBy: v.CreatedBy,
		CreatedAt: v.CreatedAt,
	}, nil
}

func (s *FirestoreStore) SaveSnapshot(ctx context.Context, snap ContentVersion) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	_, err := s.versionsCollection(snap.ContentID).Doc(zeroPad(snap.Version)).Set(ctx, firestoreVersion{
		Text:      snap.Text,
		Version:   int64(snap.Version),
		CreatedBy: snap.CreatedBy,
		CreatedAt: snap.CreatedAt,
	})
	return err
}

func (s *FirestoreStore) AppendOperation(ctx context.Context, id string, op ot.Operation, version int) error {
	rec := firestoreOp{
		ID:          op.ID,
		AuthorID:    op.AuthorID,
		Kind:        string(op.Kind),
		Position:    int64(op.Position),
		Length:      int64(op.Length),
		Text:        op.Text,
		BaseVersion: int64(op.BaseVersion),
		Meta:        op.Meta,
		Version:     int64(version),
	}

	// Store with 0-based index: version 1 → index 0, so that
	// GetOperations(fromVersion) starts at document ID zeroPad(fromVersion).
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		head, err := tx.Get(s.docRef(id))
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		current, _ := head.Data()["version"].(int64)
		switch {
		case version <= int(current):
			return nil
		case version > int(current)+1:
			return fmt.Errorf("%w: %q at v%d, got version %d", ErrVersionGap, id, current, version)
		}
		if err := tx.Set(s.opsCollection(id).Doc(zeroPad(version-1)), rec); err != nil {
			return err
		}
		return tx.Update(s.docRef(id), []firestore.Update{
			{Path: "version", Value: version},
			{Path: "updatedAt", Value: time.Now()},
		})
	})
}

func (s *FirestoreStore) GetOperations(ctx context.Context, id string, fromVersion int) ([]ot.Operation, error) {
	// Verify document exists.
	_, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	iter := s.opsCollection(id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAt(zeroPad(fromVersion)).
		Documents(ctx)
	defer iter.Stop()

	var ops []ot.Operation
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		op, err := snapshotToOperation(id, snap)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func snapshotToOperation(contentID string, snap *firestore.DocumentSnapshot) (ot.Operation, error) {
	var rec firestoreOp
	if err := snap.DataTo(&rec); err != nil {
		return ot.Operation{}, fmt.Errorf("invalid operation %s: %w", snap.Ref.ID, err)
	}
	return ot.Operation{
		ID:          rec.ID,
		ContentID:   contentID,
		AuthorID:    rec.AuthorID,
		Kind:        ot.Kind(rec.Kind),
		Position:    int(rec.Position),
		Length:      int(rec.Length),
		Text:        rec.Text,
		BaseVersion: int(rec.BaseVersion),
		Meta:        rec.Meta,
	}, nil
}
