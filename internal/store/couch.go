package store

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kivik/kivik/v4"
	"go.uber.org/zap"

	"taskdeck-conflict-engine/internal/domain"
)

// Reserved CouchDB keys plus the sync metadata the engine lifts into
// DocumentVersion. Everything else is document body.
var metaKeys = map[string]bool{
	"_id":        true,
	"_rev":       true,
	"_conflicts": true,
	"_deleted":   true,
	"updated_at": true,
	"updated_by": true,
	"checksum":   true,
}

type couchStore struct {
	client *kivik.Client
	dbName string
	logger *zap.Logger
}

func NewCouchStore(client *kivik.Client, dbName string, logger *zap.Logger) Store {
	return &couchStore{
		client: client,
		dbName: dbName,
		logger: logger,
	}
}

func (s *couchStore) Get(ctx context.Context, docID string) (*domain.DocumentVersion, []string, error) {
	db := s.client.DB(s.dbName)

	var raw map[string]any
	row := db.Get(ctx, docID, kivik.Param("conflicts", true))
	if err := row.ScanDoc(&raw); err != nil {
		return nil, nil, s.mapError(err, "failed to get document")
	}

	version := decodeVersion(docID, raw)
	var conflicts []string
	if list, ok := raw["_conflicts"].([]any); ok {
		for _, c := range list {
			if rev, ok := c.(string); ok {
				conflicts = append(conflicts, rev)
			}
		}
	}
	return version, conflicts, nil
}

func (s *couchStore) GetRev(ctx context.Context, docID, rev string) (*domain.DocumentVersion, error) {
	db := s.client.DB(s.dbName)

	var raw map[string]any
	row := db.Get(ctx, docID, kivik.Rev(rev))
	if err := row.ScanDoc(&raw); err != nil {
		return nil, s.mapError(err, "failed to get revision")
	}
	return decodeVersion(docID, raw), nil
}

// Put writes with new_edits=false so the store keeps the revision token
// the coordinator generated, the same way replication does.
func (s *couchStore) Put(ctx context.Context, version *domain.DocumentVersion) error {
	db := s.client.DB(s.dbName)

	doc := domain.CloneData(version.Data)
	if doc == nil {
		doc = make(map[string]any)
	}
	doc["_id"] = version.DocID
	doc["_rev"] = version.Rev
	doc["updated_at"] = version.UpdatedAt.Format(time.RFC3339Nano)
	if version.UpdatedBy != "" {
		doc["updated_by"] = version.UpdatedBy
	}
	if version.Checksum != "" {
		doc["checksum"] = version.Checksum
	}
	if version.Deleted {
		doc["_deleted"] = true
	}

	if _, err := db.Put(ctx, version.DocID, doc, kivik.Param("new_edits", false)); err != nil {
		return s.mapError(err, "failed to put document")
	}
	return nil
}

func (s *couchStore) Remove(ctx context.Context, docID, rev string) error {
	db := s.client.DB(s.dbName)

	if _, err := db.Delete(ctx, docID, rev); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return ErrRevisionGone
		}
		return s.mapError(err, "failed to remove revision")
	}
	return nil
}

func (s *couchStore) Changes(ctx context.Context) (<-chan Change, error) {
	db := s.client.DB(s.dbName)

	feed := db.Changes(ctx, kivik.Params(map[string]any{
		"feed":         "continuous",
		"since":        "now",
		"include_docs": true,
		"conflicts":    true,
		"heartbeat":    30000,
	}))
	if err := feed.Err(); err != nil {
		return nil, fmt.Errorf("failed to open change feed: %w", err)
	}

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer feed.Close()

		for feed.Next() {
			change := Change{
				DocID:   feed.ID(),
				Deleted: feed.Deleted(),
			}
			if revs := feed.Changes(); len(revs) > 0 {
				change.Rev = revs[0]
			}

			var raw map[string]any
			if err := feed.ScanDoc(&raw); err == nil {
				if list, ok := raw["_conflicts"].([]any); ok {
					change.HasConflicts = len(list) > 0
				}
			}

			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
		if err := feed.Err(); err != nil && ctx.Err() == nil {
			s.logger.Error("change feed terminated", zap.Error(err))
		}
	}()
	return out, nil
}

func (s *couchStore) mapError(err error, msg string) error {
	switch kivik.HTTPStatus(err) {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrWriteConflict
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func decodeVersion(docID string, raw map[string]any) *domain.DocumentVersion {
	version := &domain.DocumentVersion{DocID: docID}

	if rev, ok := raw["_rev"].(string); ok {
		version.Rev = rev
	}
	if deleted, ok := raw["_deleted"].(bool); ok {
		version.Deleted = deleted
	}
	if by, ok := raw["updated_by"].(string); ok {
		version.UpdatedBy = by
	}
	if sum, ok := raw["checksum"].(string); ok {
		version.Checksum = sum
	}
	if at, ok := raw["updated_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			version.UpdatedAt = ts
		}
	}

	data := make(map[string]any, len(raw))
	for k, v := range raw {
		if !metaKeys[k] {
			data[k] = v
		}
	}
	version.Data = data
	return version
}
