package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/MemeryBot/internal/models"
)

// mentionColumns is the column list read by scanMention.
const mentionColumns = `mention_id, username, tweet_text, image_path, processed_at, status`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nullablePath converts an optional path into a nullable column value.
func nullablePath(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// scanMention scans a MentionRecord from a row selected with mentionColumns.
func scanMention(row rowScanner) (models.MentionRecord, error) {
	var r models.MentionRecord
	var imagePath sql.NullString
	var status string
	if err := row.Scan(&r.MentionID, &r.Username, &r.TweetText, &imagePath, &r.ProcessedAt, &status); err != nil {
		return r, err
	}
	r.Status = models.MentionStatus(status)
	if imagePath.Valid {
		p := imagePath.String
		r.ImagePath = &p
	}
	r.ProcessedAt = r.ProcessedAt.UTC()
	return r, nil
}

// scanMentions drains rows into a slice.
func scanMentions(rows *sql.Rows) ([]models.MentionRecord, error) {
	defer rows.Close()
	var out []models.MentionRecord
	for rows.Next() {
		r, err := scanMention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mention failed: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mentions failed: %w", err)
	}
	return out, nil
}

// scanStats scans the singleton state row.
func scanStats(row rowScanner) (models.BotStats, error) {
	var st models.BotStats
	var lastID sql.NullString
	var updatedAt, uptimeStart sql.NullTime
	if err := row.Scan(&lastID, &st.TotalProcessedCount, &updatedAt, &uptimeStart); err != nil {
		return st, err
	}
	st.LastMentionID = lastID.String
	if updatedAt.Valid {
		t := updatedAt.Time.UTC()
		st.UpdatedAt = &t
	}
	if uptimeStart.Valid {
		t := uptimeStart.Time.UTC()
		st.UptimeStart = &t
	}
	return st, nil
}
