package postgres

import "gorm.io/gorm"

// SessionScope returns a GORM scope that filters by session_id.
// Every commit and branch query except CommitSession goes through it.
func SessionScope(sessionID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("session_id = ?", sessionID)
	}
}
