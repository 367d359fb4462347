package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
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

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestEmptyStoreReadsAreSafe(t *testing.T) {
	db := testDB(t)

	chats, err := db.ListChats(10, 0)
	if err != nil || len(chats) != 0 {
		t.Errorf("ListChats = %v, %v; want empty, nil", chats, err)
	}
	msgs, err := db.ListMessages("nope", 0, 10)
	if err != nil || len(msgs) != 0 {
		t.Errorf("ListMessages = %v, %v; want empty, nil", msgs, err)
	}
	results, err := db.SearchMessagesWithRanking("hello", "", 10)
	if err != nil || len(results) != 0 {
		t.Errorf("Search = %v, %v; want empty, nil", results, err)
	}
	c, err := db.GetChat("nope")
	if err != nil || c != nil {
		t.Errorf("GetChat = %v, %v; want nil, nil", c, err)
	}
	w, err := db.GetWatermark("u", "c", "s")
	if err != nil || w != nil {
		t.Errorf("GetWatermark = %v, %v; want nil, nil", w, err)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "m1", ChatID: "c1", SenderID: "u1", Content: "hello", MessageType: TypeText, Timestamp: 1000, SyncStatus: SyncPending, DeliveryStatus: DeliverySending}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Content = "hello updated"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert)", len(msgs))
	}
	if msgs[0].Content != "hello updated" {
		t.Errorf("content = %q, want hello updated", msgs[0].Content)
	}
}

func TestMessageSyncStatusConvergesToSynced(t *testing.T) {
	db := testDB(t)

	// Remote echo lands first, optimistic write second.
	echo := &Message{ID: "m1", ChatID: "c1", Content: "hi", MessageType: TypeText, Timestamp: 1000, SyncStatus: SyncSynced, DeliveryStatus: DeliverySent}
	if err := db.UpsertMessage(echo); err != nil {
		t.Fatal(err)
	}
	local := &Message{ID: "m1", ChatID: "c1", Content: "hi", MessageType: TypeText, Timestamp: 1000, SyncStatus: SyncPending, DeliveryStatus: DeliverySending}
	if err := db.UpsertMessage(local); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.SyncStatus != SyncSynced {
		t.Errorf("sync_status = %q, want synced (no regression)", m.SyncStatus)
	}
	if m.DeliveryStatus != DeliverySent {
		t.Errorf("delivery_status = %q, want sent (no demotion)", m.DeliveryStatus)
	}
}

func TestListMessagesDescendingOrder(t *testing.T) {
	db := testDB(t)

	for i, ts := range []int64{3000, 1000, 2000} {
		msg := &Message{ID: string(rune('a' + i)), ChatID: "c1", Content: "x", MessageType: TypeText, Timestamp: ts, SyncStatus: SyncSynced, DeliveryStatus: DeliverySent}
		if err := db.UpsertMessage(msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp > msgs[i-1].Timestamp {
			t.Errorf("messages out of order: %d before %d", msgs[i-1].Timestamp, msgs[i].Timestamp)
		}
	}
}

func TestPromoteDeliveryStatusMonotonic(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "m1", ChatID: "c1", Content: "x", MessageType: TypeText, Timestamp: 1000, SyncStatus: SyncSynced, DeliveryStatus: DeliverySent}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	changed, err := db.PromoteDeliveryStatus("m1", DeliveryRead)
	if err != nil || !changed {
		t.Fatalf("promote to read: changed=%v, err=%v", changed, err)
	}
	// Demotion attempt is a no-op.
	changed, err = db.PromoteDeliveryStatus("m1", DeliveryDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("demotion to delivered should not change the row")
	}

	m, _ := db.GetMessage("m1")
	if m.DeliveryStatus != DeliveryRead {
		t.Errorf("delivery_status = %q, want read", m.DeliveryStatus)
	}
}

func TestSearchRankedMultiWord(t *testing.T) {
	db := testDB(t)

	seed := []Message{
		{ID: "m1", ChatID: "c1", Content: "lunch tomorrow at noon?", Timestamp: 1000},
		{ID: "m2", ChatID: "c1", Content: "lunch plans: pizza tomorrow!", Timestamp: 2000},
		{ID: "m3", ChatID: "c1", Content: "completely unrelated", Timestamp: 3000},
	}
	for i := range seed {
		seed[i].MessageType = TypeText
		seed[i].SyncStatus = SyncSynced
		seed[i].DeliveryStatus = DeliverySent
		if err := db.UpsertMessage(&seed[i]); err != nil {
			t.Fatal(err)
		}
	}

	// Punctuation and multiple words must not break the query.
	results, err := db.SearchMessagesWithRanking("lunch, tomorrow?!", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Message.ID == "m3" {
			t.Error("unrelated message matched")
		}
		if r.Snippet == "" {
			t.Error("missing snippet")
		}
	}
}

func TestSearchUpdatedContent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "m1", ChatID: "c1", Content: "draft text", MessageType: TypeText, Timestamp: 1000, SyncStatus: SyncSynced, DeliveryStatus: DeliverySent}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Content = "final wording"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	// The FTS index must follow the update, not keep the old tokens.
	results, err := db.SearchMessagesWithRanking("draft", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("stale FTS entry: %v", results)
	}
	results, err = db.SearchMessagesWithRanking("wording", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results for updated content, want 1", len(results))
	}
}

func TestChatLastMessageMonotonic(t *testing.T) {
	db := testDB(t)

	if err := db.TouchLastMessage("c1", "m2", "u1", "newer", 2000); err != nil {
		t.Fatal(err)
	}
	// An out-of-order older message must not move the summary backwards.
	if err := db.TouchLastMessage("c1", "m1", "u1", "older", 1000); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageAt != 2000 || c.LastMessagePreview != "newer" {
		t.Errorf("last message = (%d, %q), want (2000, newer)", c.LastMessageAt, c.LastMessagePreview)
	}
}

func TestChatPreviewTruncatesOnRuneBoundary(t *testing.T) {
	db := testDB(t)

	// 99 ASCII bytes, then a 3-byte rune straddling the 100-byte cut.
	long := strings.Repeat("a", 99) + "日本語"
	if err := db.TouchLastMessage("c1", "m1", "u1", long, 1000); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !utf8.ValidString(c.LastMessagePreview) {
		t.Errorf("preview is invalid UTF-8: %q", c.LastMessagePreview)
	}
	if len(c.LastMessagePreview) > 100 {
		t.Errorf("preview = %d bytes, want at most 100", len(c.LastMessagePreview))
	}
	if c.LastMessagePreview != strings.Repeat("a", 99) {
		t.Errorf("preview = %q, want the rune dropped whole", c.LastMessagePreview)
	}
}

func TestChatParticipantsRoundTrip(t *testing.T) {
	db := testDB(t)

	chat := &Chat{
		ID:           "c1",
		ChatType:     ChatGroup,
		Participants: []string{"u1", "u2", "u3"},
		ParticipantDetails: map[string]Participant{
			"u1": {DisplayName: "Ana"},
			"u2": {DisplayName: "Bruno"},
		},
	}
	if err := db.UpsertChat(chat); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Participants) != 3 {
		t.Errorf("participants = %v, want 3 entries", got.Participants)
	}
	if got.ParticipantDetails["u2"].DisplayName != "Bruno" {
		t.Errorf("details = %v", got.ParticipantDetails)
	}
}

func TestReceiptsGrowOnly(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "m1", ChatID: "c1", SenderID: "u1", Content: "x", MessageType: TypeText, Timestamp: 1000, SyncStatus: SyncSynced, DeliveryStatus: DeliverySent}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	inserted, err := db.AddReceipt("m1", "u2", ReceiptDelivered)
	if err != nil || !inserted {
		t.Fatalf("first AddReceipt: inserted=%v, err=%v", inserted, err)
	}
	inserted, err = db.AddReceipt("m1", "u2", ReceiptDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("duplicate receipt should not report inserted")
	}

	receipts, err := db.Receipts("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 {
		t.Errorf("got %d receipts, want 1", len(receipts))
	}
}

func TestListUnreadFrom(t *testing.T) {
	db := testDB(t)

	seed := []Message{
		{ID: "m1", ChatID: "c1", SenderID: "other", Timestamp: 1000},
		{ID: "m2", ChatID: "c1", SenderID: "me", Timestamp: 2000},
		{ID: "m3", ChatID: "c1", SenderID: "other", Timestamp: 3000},
	}
	for i := range seed {
		seed[i].MessageType = TypeText
		seed[i].SyncStatus = SyncSynced
		seed[i].DeliveryStatus = DeliverySent
		if err := db.UpsertMessage(&seed[i]); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.AddReceipt("m1", "me", ReceiptRead); err != nil {
		t.Fatal(err)
	}

	ids, err := db.ListUnreadFrom("c1", "me")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "m3" {
		t.Errorf("unread = %v, want [m3] (own and already-read excluded)", ids)
	}
}

func TestDeleteMessageCascades(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "m1", ChatID: "c1", Content: "see https://example.com", MessageType: TypeText, Timestamp: 1000, SyncStatus: SyncSynced, DeliveryStatus: DeliverySent}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AddReceipt("m1", "u2", ReceiptDelivered); err != nil {
		t.Fatal(err)
	}
	att := &Attachment{ID: "m1:link:0", MessageID: "m1", ChatID: "c1", Type: "link", URL: "https://example.com"}
	if err := db.UpsertAttachment(att); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteMessage("m1"); err != nil {
		t.Fatal(err)
	}

	receipts, _ := db.Receipts("m1")
	if len(receipts) != 0 {
		t.Errorf("receipts survived message deletion: %v", receipts)
	}
	atts, _ := db.ListAttachments("m1")
	if len(atts) != 0 {
		t.Errorf("attachments survived message deletion: %v", atts)
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	db := testDB(t)

	if err := db.SetWatermark(&ScanWatermark{UserID: "u1", ChatID: "c1", ScanType: "summary", LastScannedAt: 5000, MessageCount: 12}); err != nil {
		t.Fatal(err)
	}

	w, err := db.GetWatermark("u1", "c1", "summary")
	if err != nil {
		t.Fatal(err)
	}
	if w == nil || w.LastScannedAt != 5000 || w.MessageCount != 12 {
		t.Errorf("watermark = %+v", w)
	}

	if err := db.DeleteWatermark("u1", "c1", "summary"); err != nil {
		t.Fatal(err)
	}
	w, err = db.GetWatermark("u1", "c1", "summary")
	if err != nil || w != nil {
		t.Errorf("after delete: %v, %v; want nil, nil", w, err)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.Enqueue("m1", "c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Enqueue("m2", "c1"); err != nil {
		t.Fatal(err)
	}

	due, err := db.DueOutbox(time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due, want 2", len(due))
	}
	if due[0].MessageID != "m1" {
		t.Errorf("first due = %q, want m1 (enqueue order)", due[0].MessageID)
	}

	// Reschedule m1 into the future: no longer due.
	future := time.Now().UnixMilli() + 60_000
	if err := db.RescheduleOutbox("m1", 1, future); err != nil {
		t.Fatal(err)
	}
	due, err = db.DueOutbox(time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].MessageID != "m2" {
		t.Errorf("due = %v, want only m2", due)
	}

	// Transient failure then reconnect requeue makes it due again.
	if err := db.MarkOutboxFailed("m2", "transient", "network unreachable"); err != nil {
		t.Fatal(err)
	}
	ids, err := db.RequeueTransient()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("requeued %v, want both entries", ids)
	}
	due, err = db.DueOutbox(time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Errorf("got %d due after requeue, want 2", len(due))
	}

	// Permanent failures stay failed across reconnects.
	if err := db.MarkOutboxFailed("m1", "permanent", "rejected"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.RequeueTransient(); err != nil {
		t.Fatal(err)
	}
	e, err := db.GetOutboxEntry("m1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != OutboxFailed {
		t.Errorf("permanent failure status = %q, want failed", e.Status)
	}
}

func TestDeleteChatRemovesEverything(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "c1", ChatType: ChatDirect, Participants: []string{"u1", "u2"}}); err != nil {
		t.Fatal(err)
	}
	msg := &Message{ID: "m1", ChatID: "c1", Content: "x", MessageType: TypeText, Timestamp: 1000, SyncStatus: SyncSynced, DeliveryStatus: DeliverySent}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.Enqueue("m1", "c1"); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteChat("c1"); err != nil {
		t.Fatal(err)
	}

	if c, _ := db.GetChat("c1"); c != nil {
		t.Error("chat survived deletion")
	}
	if m, _ := db.GetMessage("m1"); m != nil {
		t.Error("message survived chat deletion")
	}
	if e, _ := db.GetOutboxEntry("m1"); e != nil {
		t.Error("outbox entry survived chat deletion")
	}
}
