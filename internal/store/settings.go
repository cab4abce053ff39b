package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	syncpkg "github.com/volsync/volsync/internal/sync"
)

// GetSetting returns the value for key, or def when unset.
func (s *Store) GetSetting(key, def string) (string, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// SessionTarget is one selected destination volume in a saved session.
type SessionTarget struct {
	VolumeSerial string `json:"volume_serial"`
	VolumeLabel  string `json:"volume_label"`
	DestRoot     string `json:"dest_root"`
}

// Session is the last run's selection, restored on the next start so the
// user does not reconfigure sources and volumes every time.
type Session struct {
	Sources   []string               `json:"sources"`
	Targets   []SessionTarget        `json:"targets"`
	Direction syncpkg.Direction      `json:"direction"`
	UseHash   bool                   `json:"use_hash"`
	Mirror    bool                   `json:"mirror"`
	Policy    syncpkg.ConflictPolicy `json:"conflict_policy"`
}

const sessionKey = "last_session"

func (s *Store) SaveSession(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.SetSetting(sessionKey, string(data))
}

// LoadSession returns the last saved session, or an empty default when none
// was saved yet.
func (s *Store) LoadSession() (*Session, error) {
	raw, err := s.GetSetting(sessionKey, "")
	if err != nil {
		return nil, err
	}

	session := &Session{
		Direction: syncpkg.SourceToDest,
		Policy:    syncpkg.KeepBoth,
	}
	if raw == "" {
		return session, nil
	}
	if err := json.Unmarshal([]byte(raw), session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}
