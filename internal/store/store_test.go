package store

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "messages.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func TestRouterStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if v, err := s.GetRouterState(KeyLastTimestamp); err != nil || v != "" {
		t.Fatalf("expected empty state, got %q %v", v, err)
	}
	if err := s.SetRouterState(KeyLastTimestamp, "2024-01-01T00:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRouterState(KeyLastTimestamp, "2024-01-02T00:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetRouterState(KeyLastTimestamp)
	if err != nil || v != "2024-01-02T00:00:00.000Z" {
		t.Fatalf("unexpected state: %q %v", v, err)
	}
}

func TestSessionsReplace(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetSession("family", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSession("family", "sess-2"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSession("family")
	if err != nil || got != "sess-2" {
		t.Fatalf("expected sess-2, got %q %v", got, err)
	}
	all, err := s.AllSessions()
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one session, got %v %v", all, err)
	}
}

func TestRegisteredGroups(t *testing.T) {
	s := newTestStore(t)
	g := RegisteredGroup{JID: "123@g.us", Name: "Family", Folder: "family", Trigger: "@Andy", RequiresTrigger: true}
	if err := s.SetRegisteredGroup(g); err != nil {
		t.Fatal(err)
	}
	g.Name = "Family Chat"
	if err := s.SetRegisteredGroup(g); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRegisteredGroup("123@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Family Chat" || !got.RequiresTrigger || got.Folder != "family" {
		t.Fatalf("unexpected group: %+v", got)
	}
	if _, err := s.GetRegisteredGroup("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	dup := RegisteredGroup{JID: "456@g.us", Name: "Other", Folder: "family"}
	if err := s.SetRegisteredGroup(dup); err == nil {
		t.Fatal("expected unique folder violation")
	}
}

func TestChatMetadataKeepsNameAndNewestTime(t *testing.T) {
	s := newTestStore(t)
	if err := s.StoreChatMetadata("a@g.us", "2024-01-02T00:00:00.000Z", "Alpha"); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreChatMetadata("a@g.us", "2024-01-01T00:00:00.000Z", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreChatMetadata("b@g.us", "2024-01-03T00:00:00.000Z", "Beta"); err != nil {
		t.Fatal(err)
	}
	chats, err := s.AllChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 || chats[0].JID != "b@g.us" {
		t.Fatalf("expected newest chat first, got %+v", chats)
	}
	if chats[1].Name != "Alpha" || chats[1].LastMessageTime != "2024-01-02T00:00:00.000Z" {
		t.Fatalf("metadata regressed: %+v", chats[1])
	}
}

func TestMessagesWindowAndBotFilter(t *testing.T) {
	s := newTestStore(t)
	msgs := []Message{
		{ID: "1", ChatJID: "g", Sender: "u", Content: "first", Timestamp: "2024-01-01T00:00:01Z"},
		{ID: "2", ChatJID: "g", Sender: "u", Content: "Andy: reply", Timestamp: "2024-01-01T00:00:02Z"},
		{ID: "3", ChatJID: "g", Sender: "u", Content: "third", Timestamp: "2024-01-01T00:00:03Z"},
		{ID: "4", ChatJID: "other", Sender: "u", Content: "elsewhere", Timestamp: "2024-01-01T00:00:04Z"},
	}
	for _, m := range msgs {
		if err := s.StoreMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	// Stored messages are append-only.
	if err := s.StoreMessage(Message{ID: "1", ChatJID: "g", Content: "edited", Timestamp: "2024-01-01T00:00:01Z"}); err != nil {
		t.Fatal(err)
	}

	got, newest, err := s.GetNewMessages([]string{"g"}, "", "Andy:")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "first" || got[1].ID != "3" {
		t.Fatalf("unexpected messages: %+v", got)
	}
	if newest != "2024-01-01T00:00:03.000Z" {
		t.Fatalf("unexpected newest: %q", newest)
	}

	got, err = s.GetMessagesSince("g", "2024-01-01T00:00:01.000Z", "2024-01-01T00:00:02.500Z", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "2" {
		t.Fatalf("expected only message 2 in window, got %+v", got)
	}

	_, newest, err = s.GetNewMessages(nil, "since", "Andy:")
	if err != nil || newest != "since" {
		t.Fatalf("empty jid list should keep cursor: %q %v", newest, err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	for _, task := range []*ScheduledTask{
		{ID: "due", GroupFolder: "family", ChatJID: "g", Prompt: "p", ScheduleType: ScheduleInterval, ScheduleValue: "1h", NextRun: &past},
		{ID: "later", GroupFolder: "family", ChatJID: "g", Prompt: "p", ScheduleType: ScheduleOnce, ScheduleValue: future.Format(time.RFC3339), NextRun: &future},
		{ID: "paused", GroupFolder: "work", ChatJID: "w", Prompt: "p", ScheduleType: ScheduleCron, ScheduleValue: "* * * * *", NextRun: &past, Status: TaskPaused},
	} {
		if err := s.CreateTask(task); err != nil {
			t.Fatal(err)
		}
	}

	due, err := s.DueTasks(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("expected only the active due task, got %+v", due)
	}
	if due[0].ContextMode != ContextIsolated || due[0].Status != TaskActive {
		t.Fatalf("defaults not applied: %+v", due[0])
	}

	if err := s.AdvanceTask("due", &future, TaskActive); err != nil {
		t.Fatal(err)
	}
	if due, _ := s.DueTasks(now); len(due) != 0 {
		t.Fatalf("advanced task still due: %+v", due)
	}

	if err := s.RecordTaskResult("due", now, "ok"); err != nil {
		t.Fatal(err)
	}
	if err := s.LogTaskRun(&TaskRunLog{TaskID: "due", RunAt: now, DurationMs: 42, Status: "success", Result: "ok"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTask("due")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRun == nil || !got.LastRun.Equal(now) || got.LastResult != "ok" {
		t.Fatalf("unexpected last run: %+v", got)
	}
	runs, err := s.TaskRuns("due", 10)
	if err != nil || len(runs) != 1 || runs[0].DurationMs != 42 {
		t.Fatalf("unexpected runs: %+v %v", runs, err)
	}

	tasks, err := s.TasksForGroup("family")
	if err != nil || len(tasks) != 2 {
		t.Fatalf("expected 2 family tasks, got %d %v", len(tasks), err)
	}

	if err := s.SetTaskStatus("later", TaskPaused); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTask("due"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTask("due"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.SetTaskStatus("nope", TaskDone); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown task, got %v", err)
	}
}

func TestNewOnInMemoryDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SetSession("main", "tok"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetSession("main"); got != "tok" {
		t.Fatalf("expected tok, got %q", got)
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024-01-01T00:00:01Z", "2024-01-01T00:00:01.000Z"},
		{"2024-01-01T02:00:01.5+02:00", "2024-01-01T00:00:01.500Z"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := NormalizeTimestamp(tt.in); got != tt.want {
			t.Errorf("NormalizeTimestamp(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
