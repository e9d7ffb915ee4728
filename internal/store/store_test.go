package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/huddleapp/huddle/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedConversation(t *testing.T, db *DB, id string, kind model.ConversationKind) {
	t.Helper()
	if err := db.UpsertConversation(&model.Conversation{
		ID: id, Kind: kind, LastActivityAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}
}

func seedRemote(t *testing.T, db *DB, conversationID, msgID, senderID, content string, ts int64) {
	t.Helper()
	if err := db.UpsertRemote(&model.Message{
		ID: msgID, ConversationID: conversationID, SenderID: senderID,
		Content: content, Type: model.TypeText, CreatedAt: ts,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestMigrate(t *testing.T) {
	db := testDB(t)
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should be a no-op")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2", result.Version)
	}
}

func TestAppendLocalAndList(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindDirect)

	m := &model.Message{
		ClientID: "cl-1", ConversationID: "c1", SenderID: "u1",
		Content: "hello", Type: model.TypeText, CreatedAt: 2000,
	}
	id, err := db.AppendLocal(m)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("AppendLocal() returned zero local id")
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.State != model.StatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
	if got.ID != "cl-1" {
		t.Errorf("msg id = %q, want client id placeholder cl-1", got.ID)
	}
}

func TestAppendLocalClosedConversation(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)
	if err := db.CloseConversation("c1"); err != nil {
		t.Fatal(err)
	}

	_, err := db.AppendLocal(&model.Message{
		ClientID: "cl-1", ConversationID: "c1", SenderID: "u1",
		Content: "too late", Type: model.TypeText, CreatedAt: 2000,
	})
	if !errors.Is(err, model.ErrInvalidOperation) {
		t.Errorf("append to closed conversation: error = %v, want ErrInvalidOperation", err)
	}
}

func TestListMessagesOrdering(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)

	// Same timestamp: id breaks the tie so the order is total.
	seedRemote(t, db, "c1", "m2", "u2", "second", 3000)
	seedRemote(t, db, "c1", "m1", "u2", "first", 3000)
	seedRemote(t, db, "c1", "m0", "u2", "earliest", 1000)

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m2", "m1", "m0"} // newest first
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("msgs[%d].ID = %q, want %q", i, msgs[i].ID, id)
		}
	}
}

func TestConfirmMessagePreservesLocalID(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindDirect)

	m := &model.Message{
		ClientID: "cl-1", ConversationID: "c1", SenderID: "u1",
		Content: "hi", Type: model.TypeText, CreatedAt: 2000,
	}
	localID, err := db.AppendLocal(m)
	if err != nil {
		t.Fatal(err)
	}

	confirmed := &model.Message{
		ID: "srv-1", ConversationID: "c1", SenderID: "u1",
		Content: "hi", Type: model.TypeText, CreatedAt: 2500,
	}
	if err := db.ConfirmMessage("c1", "cl-1", confirmed); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("c1", "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("confirmed message not found under server id")
	}
	if got.LocalID != localID {
		t.Errorf("LocalID = %d, want %d (identity must survive confirmation)", got.LocalID, localID)
	}
	if got.State != model.StateConfirmed {
		t.Errorf("state = %s, want confirmed", got.State)
	}
	if got.CreatedAt != 2500 {
		t.Errorf("createdAt = %d, want server timestamp 2500", got.CreatedAt)
	}
}

func TestConfirmMessageIdempotent(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindDirect)

	if _, err := db.AppendLocal(&model.Message{
		ClientID: "cl-1", ConversationID: "c1", SenderID: "u1",
		Content: "hi", Type: model.TypeText, CreatedAt: 2000,
	}); err != nil {
		t.Fatal(err)
	}

	confirmed := &model.Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", Content: "hi", CreatedAt: 2500}
	if err := db.ConfirmMessage("c1", "cl-1", confirmed); err != nil {
		t.Fatal(err)
	}
	if err := db.ConfirmMessage("c1", "cl-1", confirmed); err != nil {
		t.Fatalf("second confirmation should be a no-op, got %v", err)
	}

	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 after duplicate confirmation", len(msgs))
	}
}

func TestConfirmMessageUnknownClientID(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindDirect)

	err := db.ConfirmMessage("c1", "nope", &model.Message{ID: "srv-1", ConversationID: "c1", CreatedAt: 1})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// A push event for our own send can arrive before the acknowledgment.
// Whichever applies second must collapse into the existing record.
func TestAckPushRace(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindDirect)

	if _, err := db.AppendLocal(&model.Message{
		ClientID: "cl-1", ConversationID: "c1", SenderID: "u1",
		Content: "hi", Type: model.TypeText, CreatedAt: 2000,
	}); err != nil {
		t.Fatal(err)
	}

	// Push arrives first, carrying our client id.
	if err := db.UpsertRemote(&model.Message{
		ID: "srv-1", ClientID: "cl-1", ConversationID: "c1", SenderID: "u1",
		Content: "hi", Type: model.TypeText, CreatedAt: 2500,
	}); err != nil {
		t.Fatal(err)
	}
	// Then the ack lands for the same send.
	if err := db.ConfirmMessage("c1", "cl-1", &model.Message{
		ID: "srv-1", ConversationID: "c1", SenderID: "u1", Content: "hi", CreatedAt: 2500,
	}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (no duplicate from ack/push race)", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].State != model.StateConfirmed {
		t.Errorf("message = %q/%s, want srv-1/confirmed", msgs[0].ID, msgs[0].State)
	}
}

// The reverse interleaving: push arrives without a local pending twin
// (another device sent it), then a pending row for the same client id
// appears via confirmation path.
func TestAckPushRacePushWithoutClientID(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindDirect)

	if _, err := db.AppendLocal(&model.Message{
		ClientID: "cl-1", ConversationID: "c1", SenderID: "u1",
		Content: "hi", Type: model.TypeText, CreatedAt: 2000,
	}); err != nil {
		t.Fatal(err)
	}
	// Push without client correlation (server stripped it).
	if err := db.UpsertRemote(&model.Message{
		ID: "srv-1", ConversationID: "c1", SenderID: "u1",
		Content: "hi", Type: model.TypeText, CreatedAt: 2500,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.ConfirmMessage("c1", "cl-1", &model.Message{
		ID: "srv-1", ConversationID: "c1", SenderID: "u1", Content: "hi", CreatedAt: 2500,
	}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ClientID != "cl-1" {
		t.Errorf("client id = %q, want cl-1 attached to the surviving row", msgs[0].ClientID)
	}
}

func TestUpsertRemoteIdempotent(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)

	seedRemote(t, db, "c1", "m1", "u2", "v1", 1000)
	seedRemote(t, db, "c1", "m1", "u2", "v2", 1000)

	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "v2" {
		t.Errorf("content = %q, want v2 (server record wins)", msgs[0].Content)
	}
}

func TestEditMessage(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)
	seedRemote(t, db, "c1", "m1", "u1", "original", 1000)

	if err := db.EditMessage("c1", "m1", "changed", "u1"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessage("c1", "m1")
	if got.Content != "changed" {
		t.Errorf("content = %q, want changed", got.Content)
	}
	if got.EditedAt == nil {
		t.Error("EditedAt should be set after edit")
	}
	if got.State != model.StateEdited {
		t.Errorf("state = %s, want edited", got.State)
	}
}

func TestEditMessageNotSender(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)
	seedRemote(t, db, "c1", "m1", "u1", "original", 1000)

	err := db.EditMessage("c1", "m1", "nope", "u2")
	if !errors.Is(err, model.ErrNotAuthorized) {
		t.Errorf("error = %v, want ErrNotAuthorized", err)
	}
	got, _ := db.GetMessage("c1", "m1")
	if got.Content != "original" {
		t.Errorf("content = %q, unauthorized edit must not mutate", got.Content)
	}
}

func TestEditDeletedMessage(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)
	seedRemote(t, db, "c1", "m1", "u1", "original", 1000)
	if err := db.DeleteMessage("c1", "m1", "u1", model.DeleteForEveryone); err != nil {
		t.Fatal(err)
	}

	err := db.EditMessage("c1", "m1", "after the fact", "u1")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("edit of deleted-for-everyone message: error = %v, want ErrNotFound", err)
	}
}

func TestDeleteForSelf(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)
	seedRemote(t, db, "c1", "m1", "u1", "hello", 1000)

	// Any participant may hide a message for themselves.
	if err := db.DeleteMessage("c1", "m1", "u2", model.DeleteForSelf); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessage("c1", "m1")
	if got.Content != "hello" {
		t.Errorf("content = %q, self-delete must not change the body", got.Content)
	}
	hidden, err := db.DeletedForUser(got.LocalID, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if !hidden {
		t.Error("message should be hidden for u2")
	}
	visible, _ := db.DeletedForUser(got.LocalID, "u3")
	if visible {
		t.Error("message should remain visible for u3")
	}
}

func TestDeleteForEveryone(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)
	seedRemote(t, db, "c1", "m1", "u1", "secret", 1000)

	if err := db.DeleteMessage("c1", "m1", "u1", model.DeleteForEveryone); err != nil {
		t.Fatal(err)
	}
	// Idempotent on repeat.
	if err := db.DeleteMessage("c1", "m1", "u1", model.DeleteForEveryone); err != nil {
		t.Fatalf("second delete-for-everyone should be a no-op, got %v", err)
	}

	got, _ := db.GetMessage("c1", "m1")
	if !got.DeletedForEveryone {
		t.Error("DeletedForEveryone not set")
	}
	if got.Content != model.DeletedContent {
		t.Errorf("content = %q, want %q", got.Content, model.DeletedContent)
	}

	// The row survives for ordering.
	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 (tombstone retained)", len(msgs))
	}
}

func TestDeleteForEveryoneNotSender(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)
	seedRemote(t, db, "c1", "m1", "u1", "hello", 1000)

	err := db.DeleteMessage("c1", "m1", "u2", model.DeleteForEveryone)
	if !errors.Is(err, model.ErrNotAuthorized) {
		t.Errorf("error = %v, want ErrNotAuthorized", err)
	}
}

func TestMarkReadMonotonic(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)
	seedRemote(t, db, "c1", "m1", "u1", "hello", 1000)

	if err := db.MarkRead("c1", "m1", "u2"); err != nil {
		t.Fatal(err)
	}
	// Re-reading never removes or duplicates the entry.
	if err := db.MarkRead("c1", "m1", "u2"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessage("c1", "m1")
	readers, err := db.ReadBy(got.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if len(readers) != 1 || readers[0] != "u2" {
		t.Errorf("readBy = %v, want [u2]", readers)
	}
}

func TestMarkReadUnknownMessage(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)

	err := db.MarkRead("c1", "ghost", "u2")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMarkReadDeletedMessage(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)
	seedRemote(t, db, "c1", "m1", "u1", "hello", 1000)
	if err := db.DeleteMessage("c1", "m1", "u1", model.DeleteForEveryone); err != nil {
		t.Fatal(err)
	}

	// Reading a message deleted for everyone is silently dropped.
	if err := db.MarkRead("c1", "m1", "u2"); err != nil {
		t.Errorf("mark read on deleted message: error = %v, want nil", err)
	}
	got, _ := db.GetMessage("c1", "m1")
	readers, _ := db.ReadBy(got.LocalID)
	if len(readers) != 0 {
		t.Errorf("readBy = %v, want empty", readers)
	}
}

func TestMarkFailedExactlyOnce(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindDirect)
	if _, err := db.AppendLocal(&model.Message{
		ClientID: "cl-1", ConversationID: "c1", SenderID: "u1",
		Content: "hi", Type: model.TypeText, CreatedAt: 2000,
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkFailed("c1", "cl-1", "timeout"); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.ListMessages("c1", 0, 10)
	if msgs[0].State != model.StateFailed || msgs[0].FailReason != "timeout" {
		t.Errorf("state = %s/%q, want failed/timeout", msgs[0].State, msgs[0].FailReason)
	}

	// A late second failure report only applies to pending rows.
	if err := db.RequeueLocal("c1", "cl-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.ConfirmMessage("c1", "cl-1", &model.Message{ID: "srv-1", ConversationID: "c1", CreatedAt: 2500}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkFailed("c1", "cl-1", "late timeout"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("c1", "srv-1")
	if got.State != model.StateConfirmed {
		t.Errorf("state = %s, late failure must not demote a confirmed message", got.State)
	}
}

func TestRequeueLocal(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindDirect)
	if _, err := db.AppendLocal(&model.Message{
		ClientID: "cl-1", ConversationID: "c1", SenderID: "u1",
		Content: "hi", Type: model.TypeText, CreatedAt: 2000,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkFailed("c1", "cl-1", "timeout"); err != nil {
		t.Fatal(err)
	}

	if err := db.RequeueLocal("c1", "cl-1"); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.ListMessages("c1", 0, 10)
	if msgs[0].State != model.StatePending || msgs[0].FailReason != "" {
		t.Errorf("state = %s/%q, want pending with cleared reason", msgs[0].State, msgs[0].FailReason)
	}

	if err := db.RequeueLocal("c1", "cl-1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("requeue of non-failed message: error = %v, want ErrNotFound", err)
	}
}

func TestGetOrCreateDirectCanonical(t *testing.T) {
	db := testDB(t)

	c1, err := db.GetOrCreateDirect("alice", "bob", "local-1")
	if err != nil {
		t.Fatal(err)
	}
	if !c1.Pending {
		t.Error("fresh direct conversation should be pending")
	}

	// Reversed pair resolves to the same conversation.
	c2, err := db.GetOrCreateDirect("bob", "alice", "local-2")
	if err != nil {
		t.Fatal(err)
	}
	if c2.ID != c1.ID {
		t.Errorf("pair {bob,alice} gave %q, want %q (one conversation per pair)", c2.ID, c1.ID)
	}

	if key := model.DirectKey("bob", "alice"); key != model.DirectKey("alice", "bob") {
		t.Errorf("DirectKey not canonical: %q", key)
	}
}

// A direct conversation first learned through a message push has no pair
// key yet; the follow-up conversation record must fill it in so the pair
// never gets a second record.
func TestUpsertConversationAcquiresDirectKey(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&model.Conversation{ID: "srv-1", Kind: model.KindDirect, LastActivityAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(&model.Conversation{
		ID: "srv-1", Kind: model.KindDirect,
		DirectKey: model.DirectKey("alice", "bob"), LastActivityAt: 2000,
	}); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetDirect("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil || conv.ID != "srv-1" {
		t.Fatalf("GetDirect(alice, bob) = %v, want srv-1", conv)
	}

	got, err := db.GetOrCreateDirect("alice", "bob", "local-dup")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "srv-1" {
		t.Errorf("GetOrCreateDirect returned %q, want srv-1 (one record per pair)", got.ID)
	}

	// A keyless update for the same id must not clear the key.
	if err := db.UpsertConversation(&model.Conversation{ID: "srv-1", Kind: model.KindDirect, LastActivityAt: 3000}); err != nil {
		t.Fatal(err)
	}
	conv, _ = db.GetDirect("alice", "bob")
	if conv == nil || conv.ID != "srv-1" {
		t.Fatalf("direct key lost on keyless update: %v", conv)
	}
}

func TestConfirmConversationRename(t *testing.T) {
	db := testDB(t)

	if _, err := db.GetOrCreateDirect("alice", "bob", "local-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AppendLocal(&model.Message{
		ClientID: "cl-1", ConversationID: "local-1", SenderID: "alice",
		Content: "hi", Type: model.TypeText, CreatedAt: 2000,
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.ConfirmConversation("local-1", "srv-c1"); err != nil {
		t.Fatal(err)
	}

	old, _ := db.GetConversation("local-1")
	if old != nil {
		t.Error("local id should no longer resolve")
	}
	conv, _ := db.GetConversation("srv-c1")
	if conv == nil {
		t.Fatal("server id should resolve")
	}
	if conv.Pending {
		t.Error("confirmed conversation should not be pending")
	}

	// The message moved with it.
	msgs, _ := db.ListMessages("srv-c1", 0, 10)
	if len(msgs) != 1 {
		t.Errorf("got %d messages under server id, want 1", len(msgs))
	}

	// Idempotent.
	if err := db.ConfirmConversation("srv-c1", "srv-c1"); err != nil {
		t.Fatal(err)
	}
}

func TestConfirmConversationMerge(t *testing.T) {
	db := testDB(t)

	// The directory learned about the server conversation first.
	seedConversation(t, db, "srv-c1", model.KindDirect)
	if _, err := db.GetOrCreateDirect("alice", "carol", "local-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AppendLocal(&model.Message{
		ClientID: "cl-1", ConversationID: "local-1", SenderID: "alice",
		Content: "hi", Type: model.TypeText, CreatedAt: 2000,
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.ConfirmConversation("local-1", "srv-c1"); err != nil {
		t.Fatal(err)
	}

	if old, _ := db.GetConversation("local-1"); old != nil {
		t.Error("pending record should be merged away")
	}
	msgs, _ := db.ListMessages("srv-c1", 0, 10)
	if len(msgs) != 1 {
		t.Errorf("got %d messages after merge, want 1", len(msgs))
	}
}

func TestListConversationsOrdering(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindDirect)
	seedConversation(t, db, "c2", model.KindGroup)
	if err := db.Touch("c1", 5000); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations("u1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != "c1" {
		t.Errorf("first = %q, want c1 (most recent activity)", convs[0].ID)
	}

	// Touch never moves the timestamp backwards.
	if err := db.Touch("c1", 100); err != nil {
		t.Fatal(err)
	}
	convs, _ = db.ListConversations("u1", 10, 0)
	if convs[0].ID != "c1" {
		t.Error("stale touch must not regress ordering")
	}
}

func TestUnreadDerivation(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", model.KindGroup)
	seedRemote(t, db, "c1", "m1", "u2", "one", 1000)
	seedRemote(t, db, "c1", "m2", "u2", "two", 2000)
	seedRemote(t, db, "c1", "m3", "u1", "mine", 3000)

	// Own messages never count.
	n, err := db.UnreadCount("c1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("unread = %d, want 2", n)
	}

	if err := db.MarkRead("c1", "m1", "u1"); err != nil {
		t.Fatal(err)
	}
	if n, _ = db.UnreadCount("c1", "u1"); n != 1 {
		t.Errorf("unread after read = %d, want 1", n)
	}

	// Deleting for self also clears the entry from the count.
	if err := db.DeleteMessage("c1", "m2", "u1", model.DeleteForSelf); err != nil {
		t.Fatal(err)
	}
	if n, _ = db.UnreadCount("c1", "u1"); n != 0 {
		t.Errorf("unread after self-delete = %d, want 0", n)
	}

	if g, _ := db.GlobalUnread("u1"); g != 0 {
		t.Errorf("global unread = %d, want 0", g)
	}
}

func TestIntentLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueIntent(&Intent{ClientID: "i1", Kind: IntentSendMessage, ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueIntent(&Intent{ClientID: "i2", Kind: IntentMarkRead, ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingIntents()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ClientID != "i1" {
		t.Fatalf("pending = %v, want [i1 i2] in issuance order", pending)
	}

	if err := db.MarkIntentInflight("i1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkIntentFailed("i1", "timeout"); err != nil {
		t.Fatal(err)
	}
	in, _ := db.GetIntent("i1")
	if in.Status != IntentFailed || in.ErrorMessage != "timeout" {
		t.Errorf("intent = %s/%q, want failed/timeout", in.Status, in.ErrorMessage)
	}

	// Requeue under the same client id, bumping attempts.
	if err := db.RequeueIntent("i1"); err != nil {
		t.Fatal(err)
	}
	in, _ = db.GetIntent("i1")
	if in.Status != IntentQueued || in.Attempts != 1 {
		t.Errorf("intent = %s/attempts=%d, want queued/1", in.Status, in.Attempts)
	}

	if err := db.MarkIntentInflight("i2"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkIntentConfirmed("i2"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingIntents()
	if len(pending) != 1 || pending[0].ClientID != "i1" {
		t.Errorf("pending = %v, want only requeued i1", pending)
	}
}

func TestResetIntent(t *testing.T) {
	db := testDB(t)
	if err := db.QueueIntent(&Intent{ClientID: "i1", Kind: IntentSendMessage}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkIntentInflight("i1"); err != nil {
		t.Fatal(err)
	}

	if err := db.ResetIntent("i1"); err != nil {
		t.Fatal(err)
	}
	in, _ := db.GetIntent("i1")
	if in.Status != IntentQueued {
		t.Errorf("status = %s, want queued", in.Status)
	}
	if in.Attempts != 0 {
		t.Errorf("attempts = %d, reset must not count as a retry", in.Attempts)
	}
}

// An intent left inflight by a crash mid-dispatch must come back to the
// queue at startup instead of wedging forever.
func TestRecoverInflightIntents(t *testing.T) {
	db := testDB(t)
	if err := db.QueueIntent(&Intent{ClientID: "i1", Kind: IntentSendMessage}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueIntent(&Intent{ClientID: "i2", Kind: IntentMarkRead}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkIntentInflight("i1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkIntentConfirmed("i2"); err != nil {
		t.Fatal(err)
	}

	n, err := db.RecoverInflightIntents()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	pending, _ := db.PendingIntents()
	if len(pending) != 1 || pending[0].ClientID != "i1" {
		t.Fatalf("pending = %v, want the recovered i1", pending)
	}
	if pending[0].Attempts != 0 {
		t.Errorf("attempts = %d, recovery must not count as a retry", pending[0].Attempts)
	}

	// Confirmed intents are left alone.
	in, _ := db.GetIntent("i2")
	if in.Status != IntentConfirmed {
		t.Errorf("i2 status = %s, want confirmed", in.Status)
	}
}

func TestMembershipRoles(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "g1", model.KindGroup)

	if err := db.UpsertMembership(model.Membership{ConversationID: "g1", UserID: "u1", Role: model.RoleCreator, JoinedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMembership(model.Membership{ConversationID: "g1", UserID: "u2", Role: model.RoleMember, JoinedAt: 2}); err != nil {
		t.Fatal(err)
	}

	role, isMember, err := db.GetRole("g1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !isMember || role != model.RoleCreator {
		t.Errorf("role = %s/%v, want creator/true", role, isMember)
	}

	if _, isMember, _ = db.GetRole("g1", "ghost"); isMember {
		t.Error("ghost should not be a member")
	}

	n, _ := db.MemberCount("g1")
	if n != 2 {
		t.Errorf("member count = %d, want 2", n)
	}

	if err := db.RemoveMembership("g1", "u2"); err != nil {
		t.Fatal(err)
	}
	if n, _ = db.MemberCount("g1"); n != 1 {
		t.Errorf("member count after removal = %d, want 1", n)
	}
}

func TestUserCache(t *testing.T) {
	db := testDB(t)

	if u, err := db.GetUser("alice"); err != nil || u != nil {
		t.Fatalf("unknown user = %v, %v", u, err)
	}

	if err := db.UpsertUser(&model.User{ID: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.DisplayName != "Alice" || u.AvatarRef != "" {
		t.Errorf("user = %+v", u)
	}

	// Refreshing the cache replaces the record.
	if err := db.UpsertUser(&model.User{ID: "alice", DisplayName: "Alice B", AvatarRef: "avatars/a1"}); err != nil {
		t.Fatal(err)
	}
	u, _ = db.GetUser("alice")
	if u.DisplayName != "Alice B" || u.AvatarRef != "avatars/a1" {
		t.Errorf("refreshed user = %+v", u)
	}
}
