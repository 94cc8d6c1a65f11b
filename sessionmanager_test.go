package emucore

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestSessionManager(t *testing.T) *SessionManager {
	t.Helper()
	manager, err := NewSessionManager(&NullLogger{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(manager.Shutdown)
	return manager
}

func TestSessionManagerNewSession(t *testing.T) {
	t.Run("ids start from one", func(t *testing.T) {
		manager := newTestSessionManager(t)
		var ids []int64
		for i := 0; i < 3; i++ {
			session, err := manager.NewSession("s")
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, session.ID())
		}
		if diff := cmp.Diff([]int64{1, 2, 3}, ids); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("the smallest unused id is reused after deletion", func(t *testing.T) {
		manager := newTestSessionManager(t)
		for i := 0; i < 3; i++ {
			if _, err := manager.NewSession("s"); err != nil {
				t.Fatal(err)
			}
		}
		if err := manager.DeleteSession(2); err != nil {
			t.Fatal(err)
		}
		session, err := manager.NewSession("s")
		if err != nil {
			t.Fatal(err)
		}
		if session.ID() != 2 {
			t.Fatal("unexpected id", session.ID())
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewSessionManager(&NullLogger{}, &EngineConfig{MTU: 100})
		if !errors.Is(err, ErrInvalidParameter) {
			t.Fatal("unexpected error", err)
		}
	})
}

func TestSessionManagerGetSession(t *testing.T) {
	manager := newTestSessionManager(t)
	created, err := manager.NewSession("s")
	if err != nil {
		t.Fatal(err)
	}
	got, err := manager.GetSession(created.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got != created {
		t.Fatal("got a different session")
	}
	if _, err := manager.GetSession(44); !errors.Is(err, ErrUnknownSession) {
		t.Fatal("unexpected error", err)
	}
}

func TestSessionManagerSessions(t *testing.T) {
	manager := newTestSessionManager(t)
	for i := 0; i < 4; i++ {
		if _, err := manager.NewSession("s"); err != nil {
			t.Fatal(err)
		}
	}
	Must0(manager.DeleteSession(1))
	Must0(manager.DeleteSession(3))
	var ids []int64
	for _, session := range manager.Sessions() {
		ids = append(ids, session.ID())
	}
	if diff := cmp.Diff([]int64{2, 4}, ids); diff != "" {
		t.Fatal(diff)
	}
}

func TestSessionManagerDeleteSession(t *testing.T) {
	manager := newTestSessionManager(t)
	session, err := manager.NewSession("s")
	if err != nil {
		t.Fatal(err)
	}
	if err := manager.DeleteSession(session.ID()); err != nil {
		t.Fatal(err)
	}
	if session.State() != StateShutdown {
		t.Fatal("expected the session to shut down", session.State())
	}
	if err := manager.DeleteSession(session.ID()); !errors.Is(err, ErrUnknownSession) {
		t.Fatal("unexpected error", err)
	}
}

func TestSessionManagerShutdown(t *testing.T) {
	manager := newTestSessionManager(t)
	var sessions []*Session
	for i := 0; i < 3; i++ {
		session, err := manager.NewSession("s")
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, session)
	}
	manager.Shutdown()
	for _, session := range sessions {
		if session.State() != StateShutdown {
			t.Fatal("expected every session to shut down")
		}
	}
	if len(manager.Sessions()) != 0 {
		t.Fatal("expected an empty manager")
	}

	// shutting down again is a no-op
	manager.Shutdown()
}
