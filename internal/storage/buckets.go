package storage

import (
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names
const (
	BucketConfig           = "config"
	BucketSettings         = "settings"
	BucketTerminalSessions = "terminal_sessions"
)

// AllBuckets returns all bucket names
var AllBuckets = []string{
	BucketConfig,
	BucketSettings,
	BucketTerminalSessions,
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range AllBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

// TerminalSession is the metadata kept for one shell session. Terminal
// output is never stored.
type TerminalSession struct {
	ID         string     `json:"id"`
	PanelID    string     `json:"panel_id"`
	Shell      string     `json:"shell"`
	WorkingDir string     `json:"working_dir"`
	Pid        int        `json:"pid"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Signal     string     `json:"signal,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// SaveTerminalSession inserts or replaces a session record.
func (s *Storage) SaveTerminalSession(rec TerminalSession) error {
	return s.SetJSON(BucketTerminalSessions, rec.ID, rec)
}

// GetTerminalSession loads one session record.
func (s *Storage) GetTerminalSession(id string) (TerminalSession, bool, error) {
	var rec TerminalSession
	found, err := s.GetJSON(BucketTerminalSessions, id, &rec)
	return rec, found, err
}

// ListTerminalSessions returns session records, newest first. limit <= 0
// returns all of them.
func (s *Storage) ListTerminalSessions(limit int) ([]TerminalSession, error) {
	all, err := s.GetAll(BucketTerminalSessions)
	if err != nil {
		return nil, err
	}

	records := make([]TerminalSession, 0, len(all))
	for _, v := range all {
		var rec TerminalSession
		if err := json.Unmarshal(v, &rec); err == nil {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// PruneTerminalSessions deletes records started more than age ago.
func (s *Storage) PruneTerminalSessions(age time.Duration) (int, error) {
	return s.DeleteOlderThan(BucketTerminalSessions, age, func(v []byte) (time.Time, bool) {
		var rec struct {
			StartedAt time.Time `json:"started_at"`
		}
		if err := json.Unmarshal(v, &rec); err != nil || rec.StartedAt.IsZero() {
			return time.Time{}, false
		}
		return rec.StartedAt, true
	})
}
