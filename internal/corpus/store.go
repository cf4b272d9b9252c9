package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store reads corpus documents out of a SQL database. The store is read-only;
// ingestion is owned by external tooling.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// documentRow maps the documents table. Topics are stored as a JSON array in
// a text column so the same schema works on both sqlite and postgres.
type documentRow struct {
	ID                string    `db:"id"`
	Text              string    `db:"text"`
	AuthorUsername    string    `db:"author_username"`
	AuthorDisplayName string    `db:"author_display_name"`
	AuthorVerified    bool      `db:"author_verified"`
	AuthorFollowers   int       `db:"author_followers"`
	AuthorType        string    `db:"author_type"`
	CreatedAt         time.Time `db:"created_at"`
	Likes             int       `db:"likes"`
	Retweets          int       `db:"retweets"`
	Replies           int       `db:"replies"`
	Bookmarks         int       `db:"bookmarks"`
	Sentiment         string    `db:"sentiment"`
	Category          string    `db:"category"`
	TopicsJSON        []byte    `db:"topics"`
	Language          string    `db:"language"`
	HasMedia          bool      `db:"has_media"`
	IsReply           bool      `db:"is_reply"`
}

// OpenStore connects to the corpus database. Supported drivers: "sqlite3"
// and "postgres".
func OpenStore(driver, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open corpus database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping corpus database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// NewStore wraps an existing connection, used by tests with sqlmock.
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectDocuments = `
SELECT id, text,
       author_username, author_display_name, author_verified, author_followers, author_type,
       created_at, likes, retweets, replies, bookmarks,
       sentiment, category, topics, language, has_media, is_reply
FROM documents
ORDER BY id`

// LoadDocuments reads the full corpus. Ordered by id so repeated loads
// produce identical content hashes.
func (s *Store) LoadDocuments(ctx context.Context) ([]Document, error) {
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, selectDocuments); err != nil {
		return nil, fmt.Errorf("load corpus documents: %w", err)
	}

	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		var topics []string
		if len(r.TopicsJSON) > 0 {
			if err := json.Unmarshal(r.TopicsJSON, &topics); err != nil {
				s.logger.Warn("Corpus document has malformed topics, skipping field",
					zap.String("document_id", r.ID), zap.Error(err))
			}
		}
		docs = append(docs, Document{
			ID:   r.ID,
			Text: r.Text,
			Author: Author{
				Username:    r.AuthorUsername,
				DisplayName: r.AuthorDisplayName,
				Verified:    r.AuthorVerified,
				Followers:   r.AuthorFollowers,
				AuthorType:  r.AuthorType,
			},
			CreatedAt: r.CreatedAt,
			Engagement: Engagement{
				Likes:     r.Likes,
				Retweets:  r.Retweets,
				Replies:   r.Replies,
				Bookmarks: r.Bookmarks,
			},
			Sentiment: r.Sentiment,
			Category:  r.Category,
			Topics:    topics,
			Language:  r.Language,
			HasMedia:  r.HasMedia,
			IsReply:   r.IsReply,
		})
	}

	s.logger.Info("Corpus loaded from database", zap.Int("documents", len(docs)))
	return docs, nil
}
