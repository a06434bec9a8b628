package tokendb

import (
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddEntry(t *testing.T) {
	s := openTestStore(t)

	id, ts, token, err := s.AddEntry(false)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Errorf("entry id = %d, want 1", id)
	}
	if ts == 0 {
		t.Error("creation timestamp not set")
	}
	if len(token) != 124 {
		t.Errorf("token length = %d, want 124", len(token))
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("token is not url-safe: %q", token)
	}
}

func TestGetEntryID(t *testing.T) {
	s := openTestStore(t)

	wantID, _, token, err := s.AddEntry(false)
	if err != nil {
		t.Fatal(err)
	}

	id, ok, err := s.GetEntryID(token)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != wantID {
		t.Errorf("GetEntryID = (%d, %v), want (%d, true)", id, ok, wantID)
	}

	if _, ok, _ := s.GetEntryID("unknown-token"); ok {
		t.Error("unknown token matched")
	}
}

func TestGetEntryID_DisabledToken(t *testing.T) {
	s := openTestStore(t)

	id, _, token, err := s.AddEntry(false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DisableEntry(id); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetEntryID(token); ok {
		t.Error("disabled token matched")
	}

	if err := s.EnableEntry(id); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetEntryID(token); !ok {
		t.Error("re-enabled token did not match")
	}
}

func TestAddEntry_Disabled(t *testing.T) {
	s := openTestStore(t)

	id, _, token, err := s.AddEntry(true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetEntryID(token); ok {
		t.Error("token created disabled matched")
	}

	e, err := s.GetEntry(id)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Enabled {
		t.Errorf("GetEntry = %+v, want disabled entry", e)
	}
}

func TestDeleteEntry(t *testing.T) {
	s := openTestStore(t)

	id, _, token, err := s.AddEntry(false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteEntry(id); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetEntryID(token); ok {
		t.Error("deleted token matched")
	}
	if e, _ := s.GetEntry(id); e != nil {
		t.Errorf("GetEntry after delete = %+v", e)
	}
}

func TestEnableEntry_NotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnableEntry(42); err == nil {
		t.Error("enabling a missing entry succeeded")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tokens.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	_, _, token, err := s.AddEntry(false)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if _, ok, _ := s2.GetEntryID(token); !ok {
		t.Error("token lost across reopen")
	}

	entries, err := s2.ListEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1", len(entries))
	}
}
