package sqlite

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fr3shw3b/flowsession/pkg/flowmapper"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/fr3shw3b/flowsession/pkg/statestore"
	"github.com/sirupsen/logrus"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func Test_open_requires_a_path(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Error("expected an error for an empty path")
	}
}

func Test_session_state_survives_reopening_the_database(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	db, err := Open(path)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	sessions := NewStore[*session.Session](db, "sessions", createLogger())

	received := 1
	_, err = sessions.Update(context.Background(), "S", func(current *session.Session, exists bool) (*session.Session, bool, error) {
		return &session.Session{
			SessionID:               "S",
			Counterparty:            session.Identity{X500Name: "O=Bob, L=Paris, C=FR", GroupID: "group-1"},
			Status:                  session.StatusConfirmed,
			LastReceivedMessageTime: testNow,
			SendEventsState: session.EventsState{
				LastProcessedSequenceNum: 1,
				UndeliveredMessages: []session.Event{{
					Direction:           session.DirectionOutbound,
					SessionID:           "S",
					SequenceNum:         1,
					ReceivedSequenceNum: &received,
					Timestamp:           testNow,
					Payload:             session.Data{Payload: []byte("hello")},
				}},
			},
		}, true, nil
	})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	db.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	defer reopened.Close()

	loaded, exists, err := NewStore[*session.Session](reopened, "sessions", createLogger()).Get(context.Background(), "S")
	if err != nil || !exists {
		t.Error("expected the session to be persisted, got ", err)
		t.FailNow()
	}
	if loaded.Status != session.StatusConfirmed || len(loaded.SendEventsState.UndeliveredMessages) != 1 {
		t.Error("unexpected session loaded: ", loaded)
		t.FailNow()
	}
	data := loaded.SendEventsState.UndeliveredMessages[0].Payload.(session.Data)
	if string(data.Payload) != "hello" {
		t.Error("expected the buffered payload to be restored")
	}
}

func Test_namespaces_are_isolated(t *testing.T) {
	db := openTestDB(t)
	first := NewStore[string](db, "first", createLogger())
	second := NewStore[string](db, "second", createLogger())

	first.Update(context.Background(), "k", func(string, bool) (string, bool, error) { return "v", true, nil })

	if _, exists, _ := second.Get(context.Background(), "k"); exists {
		t.Error("expected the key to be invisible in another namespace")
	}
}

func Test_failed_update_leaves_state_untouched(t *testing.T) {
	db := openTestDB(t)
	store := NewStore[int](db, "counters", createLogger())
	store.Update(context.Background(), "k", func(int, bool) (int, bool, error) { return 1, true, nil })

	boom := errors.New("boom")
	_, err := store.Update(context.Background(), "k", func(current int, exists bool) (int, bool, error) {
		return current + 1, true, boom
	})
	if !errors.Is(err, boom) {
		t.Error("expected the update error to be returned, got ", err)
	}
	if value, _, _ := store.Get(context.Background(), "k"); value != 1 {
		t.Error("expected value 1, got ", value)
	}
}

func Test_update_without_keep_deletes_the_key(t *testing.T) {
	db := openTestDB(t)
	store := NewStore[int](db, "counters", createLogger())
	store.Update(context.Background(), "k", func(int, bool) (int, bool, error) { return 1, true, nil })
	store.Update(context.Background(), "k", func(current int, exists bool) (int, bool, error) { return current, false, nil })

	if _, exists, _ := store.Get(context.Background(), "k"); exists {
		t.Error("expected the key to be removed")
	}
}

func Test_concurrent_updates_are_serialised(t *testing.T) {
	db := openTestDB(t)
	store := NewStore[int](db, "counters", createLogger())

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Update(context.Background(), "k", func(current int, exists bool) (int, bool, error) {
				return current + 1, true, nil
			})
		}()
	}
	wg.Wait()

	if value, _, _ := store.Get(context.Background(), "k"); value != 20 {
		t.Error("expected 20 increments, got ", value)
	}
}

func Test_remove_where_deletes_expired_routing_records(t *testing.T) {
	db := openTestDB(t)
	var store statestore.Store[*flowmapper.State] = NewStore[*flowmapper.State](db, "flowmapper", createLogger())
	expiry := testNow.Add(time.Minute)

	store.Update(context.Background(), "open", func(*flowmapper.State, bool) (*flowmapper.State, bool, error) {
		return &flowmapper.State{Status: flowmapper.StatusOpen}, true, nil
	})
	store.Update(context.Background(), "closing", func(*flowmapper.State, bool) (*flowmapper.State, bool, error) {
		return &flowmapper.State{Status: flowmapper.StatusClosing, ExpiryTime: &expiry}, true, nil
	})

	removed, err := store.RemoveWhere(context.Background(), func(key string, state *flowmapper.State) bool {
		return state.Expired(testNow.Add(2 * time.Minute))
	})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if len(removed) != 1 || removed[0] != "closing" {
		t.Error("expected only the closing record to be removed, got ", removed)
	}
	if _, exists, _ := store.Get(context.Background(), "open"); !exists {
		t.Error("expected the open record to remain")
	}
}

func openTestDB(t *testing.T) *DB {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
