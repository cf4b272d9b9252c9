package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Author holds document author metadata.
type Author struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Verified    bool   `json:"verified"`
	Followers   int    `json:"followers"`
	AuthorType  string `json:"author_type"`
}

// Engagement holds per-document engagement counters.
type Engagement struct {
	Likes     int `json:"likes"`
	Retweets  int `json:"retweets"`
	Replies   int `json:"replies"`
	Bookmarks int `json:"bookmarks"`
}

// Total returns the likes+retweets+replies composite used for ranking boosts.
// Bookmarks are excluded to match the established scoring behavior.
func (e Engagement) Total() int {
	return e.Likes + e.Retweets + e.Replies
}

// Document is one immutable corpus record. Documents are loaded once at
// engine construction and never mutated by the workflow.
type Document struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Author     Author     `json:"author"`
	CreatedAt  time.Time  `json:"created_at"`
	Engagement Engagement `json:"engagement"`
	Sentiment  string     `json:"sentiment"`
	Category   string     `json:"category"`
	Topics     []string   `json:"topics"`
	Language   string     `json:"language"`
	HasMedia   bool       `json:"has_media"`
	IsReply    bool       `json:"is_reply"`
}

// SearchText returns the text surface used for indexing: the body plus
// topics and the author display name.
func (d *Document) SearchText() string {
	parts := make([]string, 0, len(d.Topics)+2)
	parts = append(parts, d.Text)
	parts = append(parts, d.Topics...)
	if d.Author.DisplayName != "" {
		parts = append(parts, d.Author.DisplayName)
	}
	return strings.Join(parts, " ")
}

// ContentHash returns a stable hash of the corpus content, used to key the
// persisted embedding index. Order-insensitive so loaders that return rows
// in different orders still hit the same cache entry.
func ContentHash(docs []Document) string {
	lines := make([]string, 0, len(docs))
	for i := range docs {
		lines = append(lines, fmt.Sprintf("%s\x1f%s", docs[i].ID, docs[i].Text))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
