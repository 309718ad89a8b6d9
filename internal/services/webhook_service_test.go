package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
	"github.com/wahadesk/go-wahadesk-backend/internal/repo"
)

func newWebhookService(t *testing.T) (*WebhookService, *gorm.DB) {
	t.Helper()
	db := newServiceDB(t)
	return NewWebhookService(db, zerolog.Nop(), "topsecret", false), db
}

func standardPayload(id, from, to, body string, fromMe bool) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"message","session":"default","payload":{"id":%q,"from":%q,"to":%q,"body":%q,"fromMe":%v}}`,
		id, from, to, body, fromMe))
}

func countRows(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Where(query, args...).Count(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestValidateSignature(t *testing.T) {
	svc, _ := newWebhookService(t)
	body := []byte(`{"event":"message"}`)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	good := hex.EncodeToString(mac.Sum(nil))

	// Disabled: everything passes, even garbage.
	if !svc.ValidateSignature(body, "nonsense") {
		t.Fatalf("disabled validation must accept any signature")
	}

	svc.RequireSignature = true
	if !svc.ValidateSignature(body, good) {
		t.Fatalf("valid signature rejected")
	}
	if !svc.ValidateSignature(body, "sha256="+good) {
		t.Fatalf("prefixed signature rejected")
	}
	if svc.ValidateSignature(body, "deadbeef") {
		t.Fatalf("wrong signature accepted")
	}
	if svc.ValidateSignature(body, "") {
		t.Fatalf("empty signature accepted")
	}
}

func TestExtractMessageData_Shapes(t *testing.T) {
	svc, _ := newWebhookService(t)

	data, err := svc.ExtractMessageData(standardPayload("wamid.1", "30691@c.us", "30692@c.us", "hello", false))
	if err != nil {
		t.Fatalf("standard shape: %v", err)
	}
	if data.MessageID != "wamid.1" || data.From != "30691@c.us" || data.Body != "hello" ||
		data.FromMe || data.Session != "default" || data.MessageType != domain.MessageTypeText {
		t.Fatalf("unexpected standard extraction: %+v", data)
	}

	legacy := []byte(`{"session":"default","message":{"id":{"_serialized":"wamid.2"},"from":"30691@c.us","body":"hi","fromMe":true}}`)
	data, err = svc.ExtractMessageData(legacy)
	if err != nil {
		t.Fatalf("legacy shape: %v", err)
	}
	if data.MessageID != "wamid.2" || !data.FromMe || data.Event != EventMessage {
		t.Fatalf("unexpected legacy extraction: %+v", data)
	}

	if _, err := svc.ExtractMessageData([]byte(`{"event":"message"}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("shapeless body must fail, got %v", err)
	}
	if _, err := svc.ExtractMessageData([]byte(`not json`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("invalid json must fail, got %v", err)
	}
}

func TestExtractMessageData_TypeClassification(t *testing.T) {
	svc, _ := newWebhookService(t)

	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"image", `{"id":"1","media":{"mimetype":"image/jpeg"}}`, domain.MessageTypeImage},
		{"video", `{"id":"1","media":{"mimetype":"video/mp4"}}`, domain.MessageTypeVideo},
		{"audio", `{"id":"1","mimetype":"audio/ogg"}`, domain.MessageTypeAudio},
		{"document", `{"id":"1","media":{"mimetype":"application/pdf"}}`, domain.MessageTypeDocument},
		{"media beats location", `{"id":"1","media":{"mimetype":"image/png"},"location":{}}`, domain.MessageTypeImage},
		{"location", `{"id":"1","location":{"latitude":1}}`, domain.MessageTypeLocation},
		{"vcard", `{"id":"1","vCards":["BEGIN:VCARD"]}`, domain.MessageTypeContact},
		{"empty body is text", `{"id":"1","body":""}`, domain.MessageTypeText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte(`{"event":"message","session":"default","payload":` + tc.payload + `}`)
			data, err := svc.ExtractMessageData(body)
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if data.MessageType != tc.want {
				t.Fatalf("want %s, got %s", tc.want, data.MessageType)
			}
		})
	}
}

func TestProcessWebhook_AckOnlyAndUnknownEvents(t *testing.T) {
	svc, db := newWebhookService(t)
	ctx := context.Background()

	for _, event := range []string{
		"message.reaction", "message.ack", "message.revoked", "message.edited",
		"group.join", "chat.archive", "presence.update", "poll.vote", "call.received",
		"something.new",
	} {
		body := []byte(fmt.Sprintf(`{"event":%q,"session":"default","payload":{"id":"x"}}`, event))
		res, err := svc.ProcessWebhook(ctx, "org-1", body)
		if err != nil {
			t.Fatalf("%s: %v", event, err)
		}
		if !res.Success || res.Status != WebhookIgnored {
			t.Fatalf("%s: expected ignored ack, got %+v", event, res)
		}
	}

	if n := countRows(t, db, &domain.WebhookLog{}, "1 = 1"); n != 0 {
		t.Fatalf("ack-only events must not persist, found %d ledger rows", n)
	}

	if _, err := svc.ProcessWebhook(ctx, "org-1", []byte(`{{`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("malformed body must fail, got %v", err)
	}
}

func TestProcessWebhook_IncomingPersistsAndDeduplicates(t *testing.T) {
	svc, db := newWebhookService(t)
	ctx := context.Background()
	body := standardPayload("wamid.in.1", "6281234567890@c.us", "", "I need help", false)

	res, err := svc.ProcessWebhook(ctx, "org-1", body)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !res.Success || res.Status != WebhookProcessed {
		t.Fatalf("first delivery: %+v", res)
	}

	// Customer, thread, message, ledger row all exist.
	customer, err := repo.GetCustomerByPhone(ctx, db, "org-1", "+6281234567890")
	if err != nil {
		t.Fatalf("customer not created: %v", err)
	}
	thread, err := repo.GetActiveChatSession(ctx, db, "org-1", customer.ID)
	if err != nil {
		t.Fatalf("thread not created: %v", err)
	}
	if n := countRows(t, db, &domain.Message{}, "session_id = ?", thread.ID); n != 1 {
		t.Fatalf("expected one message, got %d", n)
	}
	if n := countRows(t, db, &domain.WebhookLog{}, "message_id = ?", "wamid.in.1"); n != 1 {
		t.Fatalf("expected one ledger row, got %d", n)
	}

	// Redelivery: duplicate tag, no new rows.
	res, err = svc.ProcessWebhook(ctx, "org-1", body)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Success || res.Status != WebhookDuplicate {
		t.Fatalf("redelivery must be tagged duplicate: %+v", res)
	}
	if n := countRows(t, db, &domain.WebhookLog{}, "message_id = ?", "wamid.in.1"); n != 1 {
		t.Fatalf("redelivery must not add ledger rows, got %d", n)
	}
	if n := countRows(t, db, &domain.Message{}, "waha_message_id = ?", "wamid.in.1"); n != 1 {
		t.Fatalf("redelivery must not add messages, got %d", n)
	}
}

func TestProcessWebhook_IncomingLedgerSignalAlone(t *testing.T) {
	svc, db := newWebhookService(t)
	ctx := context.Background()

	// A processed ledger entry with no persisted message still dedups.
	if err := repo.CreateWebhookLog(ctx, db, &domain.WebhookLog{
		OrganizationID: "org-1",
		MessageID:      "wamid.in.2",
		WebhookType:    EventMessage,
		Status:         domain.WebhookStatusProcessed,
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	res, err := svc.ProcessWebhook(ctx, "org-1", standardPayload("wamid.in.2", "30691@c.us", "", "hi", false))
	if err != nil {
		t.Fatalf("delivery: %v", err)
	}
	if res.Status != WebhookDuplicate {
		t.Fatalf("ledger signal alone must dedup: %+v", res)
	}
}

func TestProcessWebhook_IncomingScopedByTenant(t *testing.T) {
	svc, db := newWebhookService(t)
	ctx := context.Background()
	body := standardPayload("wamid.in.3", "30691@c.us", "", "hi", false)

	if res, _ := svc.ProcessWebhook(ctx, "org-1", body); res.Status != WebhookProcessed {
		t.Fatalf("first org delivery: %+v", res)
	}
	// Same native id under another organization is not a duplicate.
	res, err := svc.ProcessWebhook(ctx, "org-2", body)
	if err != nil {
		t.Fatalf("second org delivery: %v", err)
	}
	if res.Status != WebhookProcessed {
		t.Fatalf("dedup must be tenant-scoped: %+v", res)
	}
	if n := countRows(t, db, &domain.WebhookLog{}, "message_id = ?", "wamid.in.3"); n != 2 {
		t.Fatalf("expected one ledger row per org, got %d", n)
	}
}

func seedOutgoingThread(t *testing.T, db *gorm.DB, orgID, phone string) *domain.ChatSession {
	t.Helper()
	ctx := context.Background()
	customer, err := repo.FindOrCreateCustomer(ctx, db, orgID, phone, "")
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	thread := &domain.ChatSession{OrganizationID: orgID, CustomerID: customer.ID}
	if err := repo.CreateChatSession(ctx, db, thread); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	return thread
}

func TestProcessWebhook_OutgoingContentWindowDedup(t *testing.T) {
	svc, db := newWebhookService(t)
	ctx := context.Background()
	seedOutgoingThread(t, db, "org-1", "+6281234567890")

	// No stable id on the echo path: dedup falls back to content+window.
	body := standardPayload("", "", "6281234567890@c.us", "Thanks for reaching out!", true)

	res, err := svc.ProcessWebhook(ctx, "org-1", body)
	if err != nil {
		t.Fatalf("first echo: %v", err)
	}
	if res.Status != WebhookProcessed {
		t.Fatalf("first echo: %+v", res)
	}

	res, err = svc.ProcessWebhook(ctx, "org-1", body)
	if err != nil {
		t.Fatalf("second echo: %v", err)
	}
	if res.Status != WebhookDuplicate {
		t.Fatalf("identical echo within the window must dedup: %+v", res)
	}
	if n := countRows(t, db, &domain.Message{}, "recipient_phone = ?", "+6281234567890"); n != 1 {
		t.Fatalf("expected a single persisted message, got %d", n)
	}
}

func TestProcessWebhook_OutgoingExactIDDedup(t *testing.T) {
	svc, db := newWebhookService(t)
	ctx := context.Background()
	seedOutgoingThread(t, db, "org-1", "+30691")

	body := standardPayload("wamid.out.1", "", "30691@c.us", "first", true)
	if res, _ := svc.ProcessWebhook(ctx, "org-1", body); res.Status != WebhookProcessed {
		t.Fatalf("first echo failed")
	}

	// Same native id with different text: still a duplicate.
	again := standardPayload("wamid.out.1", "", "30691@c.us", "different text", true)
	res, err := svc.ProcessWebhook(ctx, "org-1", again)
	if err != nil {
		t.Fatalf("second echo: %v", err)
	}
	if res.Status != WebhookDuplicate {
		t.Fatalf("exact id must dedup regardless of text: %+v", res)
	}
	if n := countRows(t, db, &domain.Message{}, "waha_message_id = ?", "wamid.out.1"); n != 1 {
		t.Fatalf("expected one message, got %d", n)
	}
}

// fetchByWahaID loads the persisted message for a native id into a fresh
// struct. Reusing one destination across First calls would carry the
// previous row's primary key into the next query's conditions.
func fetchByWahaID(t *testing.T, db *gorm.DB, id string) domain.Message {
	t.Helper()
	var m domain.Message
	if err := db.Where("waha_message_id = ?", id).First(&m).Error; err != nil {
		t.Fatalf("fetch message %s: %v", id, err)
	}
	return m
}

func TestProcessWebhook_OutgoingSenderAttribution(t *testing.T) {
	svc, db := newWebhookService(t)
	ctx := context.Background()

	// No agent, no default bot: system bot.
	seedOutgoingThread(t, db, "org-1", "+1111")
	if res, _ := svc.ProcessWebhook(ctx, "org-1", standardPayload("m1", "", "1111@c.us", "a", true)); res.Status != WebhookProcessed {
		t.Fatalf("system-bot echo failed")
	}
	m := fetchByWahaID(t, db, "m1")
	if m.SenderType != domain.SenderBot || m.SenderID != domain.SystemBotID {
		t.Fatalf("expected system bot attribution: %+v", m)
	}

	// Default bot personality exists: attributed to it.
	if err := db.Create(&domain.BotPersonality{
		ID: "bot-1", OrganizationID: "org-2", Name: "main", IsActive: true, IsDefault: true,
	}).Error; err != nil {
		t.Fatalf("seed bot: %v", err)
	}
	seedOutgoingThread(t, db, "org-2", "+2222")
	if res, _ := svc.ProcessWebhook(ctx, "org-2", standardPayload("m2", "", "2222@c.us", "b", true)); res.Status != WebhookProcessed {
		t.Fatalf("bot echo failed")
	}
	m = fetchByWahaID(t, db, "m2")
	if m.SenderType != domain.SenderBot || m.SenderID != "bot-1" {
		t.Fatalf("expected default bot attribution: %+v", m)
	}

	// Assigned agent wins over the bot.
	if err := db.Create(&domain.Agent{
		ID: "agent-1", OrganizationID: "org-3", Name: "Eleni", IsActive: true,
	}).Error; err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	thread := seedOutgoingThread(t, db, "org-3", "+3333")
	agentID := "agent-1"
	if err := db.Model(&domain.ChatSession{}).Where("id = ?", thread.ID).
		Update("assigned_agent_id", agentID).Error; err != nil {
		t.Fatalf("assign agent: %v", err)
	}
	if res, _ := svc.ProcessWebhook(ctx, "org-3", standardPayload("m3", "", "3333@c.us", "c", true)); res.Status != WebhookProcessed {
		t.Fatalf("agent echo failed")
	}
	m = fetchByWahaID(t, db, "m3")
	if m.SenderType != domain.SenderAgent || m.SenderID != "agent-1" {
		t.Fatalf("expected agent attribution: %+v", m)
	}
}

func TestProcessWebhook_OutgoingUnresolvableIsSkipped(t *testing.T) {
	svc, db := newWebhookService(t)
	ctx := context.Background()

	// Unknown customer.
	res, err := svc.ProcessWebhook(ctx, "org-1", standardPayload("m1", "", "9999@c.us", "hi", true))
	if err != nil {
		t.Fatalf("unknown customer echo: %v", err)
	}
	if res.Success || res.Status != WebhookSkipped {
		t.Fatalf("unknown customer must be skipped: %+v", res)
	}

	// Known customer, no active thread.
	if _, err := repo.FindOrCreateCustomer(ctx, db, "org-1", "+8888", ""); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	res, err = svc.ProcessWebhook(ctx, "org-1", standardPayload("m2", "", "8888@c.us", "hi", true))
	if err != nil {
		t.Fatalf("no-thread echo: %v", err)
	}
	if res.Status != WebhookSkipped {
		t.Fatalf("missing thread must be skipped: %+v", res)
	}

	if n := countRows(t, db, &domain.Message{}, "1 = 1"); n != 0 {
		t.Fatalf("nothing may be fabricated, found %d messages", n)
	}
}

func TestProcessWebhook_OutgoingWindowExpiry(t *testing.T) {
	svc, db := newWebhookService(t)
	svc.OutgoingWindow = 30 * time.Second
	ctx := context.Background()
	seedOutgoingThread(t, db, "org-1", "+30691")

	body := standardPayload("", "", "30691@c.us", "same text", true)
	if res, _ := svc.ProcessWebhook(ctx, "org-1", body); res.Status != WebhookProcessed {
		t.Fatalf("first echo failed")
	}

	// Age the persisted message beyond the window; the repeat is then a
	// legitimately new message.
	if err := db.Model(&domain.Message{}).Where("recipient_phone = ?", "+30691").
		Update("created_at", time.Now().UTC().Add(-time.Minute)).Error; err != nil {
		t.Fatalf("age message: %v", err)
	}
	res, err := svc.ProcessWebhook(ctx, "org-1", body)
	if err != nil {
		t.Fatalf("aged repeat: %v", err)
	}
	if res.Status != WebhookProcessed {
		t.Fatalf("expired window must not dedup: %+v", res)
	}
}
