// Package session keeps the per-browser state that must survive reloads: the local player's
// profile, the selected table, a table awaiting join approval, and two sentinel flags.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	keyProfile         = "poker_player"
	keyTable           = "poker_table"
	keyPendingTable    = "poker_pending_table"
	keyReset           = "poker_reset"
	keyForceOnboarding = "poker_force_onboarding"
)

// Store is a key-value space partitioned by session id.
type Store interface {
	Get(ctx context.Context, sid, key string) ([]byte, bool, error)
	Set(ctx context.Context, sid, key string, value []byte) error
	Delete(ctx context.Context, sid, key string) error
	Clear(ctx context.Context, sid string) error
	Close(ctx context.Context) error
}

type Profile struct {
	PlayerID string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
}

// TableRef is the locally remembered table selection.
type TableRef struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	JoinCode string `json:"join_code,omitempty"`
}

// Session is the typed view of one session id in a Store.
type Session struct {
	store Store
	id    string
}

func New(store Store, id string) *Session {
	return &Session{store: store, id: id}
}

func (s *Session) ID() string { return s.id }

// Init applies a pending reset request: every key is dropped and onboarding is forced.
func (s *Session) Init(ctx context.Context) error {
	reset, err := s.flag(ctx, keyReset)
	if err != nil {
		return err
	}
	if !reset {
		return nil
	}
	if err := s.store.Clear(ctx, s.id); err != nil {
		return fmt.Errorf("session reset: %w", err)
	}
	return s.setFlag(ctx, keyForceOnboarding, true)
}

func (s *Session) Profile(ctx context.Context) (*Profile, error) {
	var p Profile
	ok, err := s.read(ctx, keyProfile, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (s *Session) SetProfile(ctx context.Context, p Profile) error {
	if p.PlayerID == "" {
		return errors.New("session profile requires a player id")
	}
	return s.write(ctx, keyProfile, p)
}

func (s *Session) Table(ctx context.Context) (*TableRef, error) {
	var t TableRef
	ok, err := s.read(ctx, keyTable, &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (s *Session) SetTable(ctx context.Context, t TableRef) error {
	return s.write(ctx, keyTable, t)
}

func (s *Session) ClearTable(ctx context.Context) error {
	return s.store.Delete(ctx, s.id, keyTable)
}

func (s *Session) PendingTable(ctx context.Context) (*TableRef, error) {
	var t TableRef
	ok, err := s.read(ctx, keyPendingTable, &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (s *Session) SetPendingTable(ctx context.Context, t TableRef) error {
	return s.write(ctx, keyPendingTable, t)
}

func (s *Session) ClearPendingTable(ctx context.Context) error {
	return s.store.Delete(ctx, s.id, keyPendingTable)
}

func (s *Session) ForceOnboarding(ctx context.Context) (bool, error) {
	return s.flag(ctx, keyForceOnboarding)
}

func (s *Session) SetForceOnboarding(ctx context.Context, on bool) error {
	if !on {
		return s.store.Delete(ctx, s.id, keyForceOnboarding)
	}
	return s.setFlag(ctx, keyForceOnboarding, true)
}

// RequestReset marks the session to be wiped on its next Init.
func (s *Session) RequestReset(ctx context.Context) error {
	return s.setFlag(ctx, keyReset, true)
}

// Clear drops profile and table state.
func (s *Session) Clear(ctx context.Context) error {
	return s.store.Clear(ctx, s.id)
}

func (s *Session) read(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.store.Get(ctx, s.id, key)
	if err != nil {
		return false, fmt.Errorf("session read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		// a corrupt record is treated as absent and dropped
		_ = s.store.Delete(ctx, s.id, key)
		return false, nil
	}
	return true, nil
}

func (s *Session) write(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session encode %s: %w", key, err)
	}
	if err := s.store.Set(ctx, s.id, key, raw); err != nil {
		return fmt.Errorf("session write %s: %w", key, err)
	}
	return nil
}

func (s *Session) flag(ctx context.Context, key string) (bool, error) {
	var on bool
	ok, err := s.read(ctx, key, &on)
	if err != nil || !ok {
		return false, err
	}
	return on, nil
}

func (s *Session) setFlag(ctx context.Context, key string, on bool) error {
	return s.write(ctx, key, on)
}
