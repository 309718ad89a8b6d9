package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
)

func TestFindOrCreateCustomer_Idempotent(t *testing.T) {
	db := newRepoDB(t, &domain.Customer{})
	ctx := context.Background()

	first, err := FindOrCreateCustomer(ctx, db, "org-1", "+306911111111", "Maria")
	if err != nil {
		t.Fatalf("FindOrCreateCustomer: %v", err)
	}
	second, err := FindOrCreateCustomer(ctx, db, "org-1", "+306911111111", "ignored")
	if err != nil {
		t.Fatalf("FindOrCreateCustomer again: %v", err)
	}
	if first.ID != second.ID || second.Name != "Maria" {
		t.Fatalf("expected same row back: %+v vs %+v", first, second)
	}

	// Same phone under another org is a distinct customer.
	other, err := FindOrCreateCustomer(ctx, db, "org-2", "+306911111111", "")
	if err != nil {
		t.Fatalf("FindOrCreateCustomer other org: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("customer rows must be tenant-scoped")
	}
}

func TestGetActiveChatSession(t *testing.T) {
	db := newRepoDB(t, &domain.Customer{}, &domain.ChatSession{})
	ctx := context.Background()

	c, _ := FindOrCreateCustomer(ctx, db, "org-1", "+306911111111", "")
	if _, err := GetActiveChatSession(ctx, db, "org-1", c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any thread, got %v", err)
	}

	cs := &domain.ChatSession{OrganizationID: "org-1", CustomerID: c.ID}
	if err := CreateChatSession(ctx, db, cs); err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}
	if cs.Status != domain.ChatSessionActive || cs.StartedAt.IsZero() {
		t.Fatalf("defaults not applied: %+v", cs)
	}

	got, err := GetActiveChatSession(ctx, db, "org-1", c.ID)
	if err != nil || got.ID != cs.ID {
		t.Fatalf("GetActiveChatSession: %+v err=%v", got, err)
	}

	// A resolved thread no longer counts as active.
	if err := db.WithContext(ctx).Model(&domain.ChatSession{}).Where("id = ?", cs.ID).
		Update("status", domain.ChatSessionResolved).Error; err != nil {
		t.Fatalf("resolve thread: %v", err)
	}
	if _, err := GetActiveChatSession(ctx, db, "org-1", c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resolved thread must not be active, got %v", err)
	}
}

func TestGetAgentByID_ActiveOnly(t *testing.T) {
	db := newRepoDB(t, &domain.Agent{})
	ctx := context.Background()

	active := domain.Agent{ID: "a-1", OrganizationID: "org-1", Name: "Eleni", IsActive: true}
	inactive := domain.Agent{ID: "a-2", OrganizationID: "org-1", Name: "Gone", IsActive: false}
	if err := db.Create(&active).Error; err != nil {
		t.Fatalf("seed active agent: %v", err)
	}
	if err := db.Create(&inactive).Error; err != nil {
		t.Fatalf("seed inactive agent: %v", err)
	}

	if _, err := GetAgentByID(ctx, db, "org-1", "a-1"); err != nil {
		t.Fatalf("GetAgentByID active: %v", err)
	}
	if _, err := GetAgentByID(ctx, db, "org-1", "a-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("inactive agent must not resolve, got %v", err)
	}
	if _, err := GetAgentByID(ctx, db, "org-2", "a-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("agent lookup must be tenant-scoped, got %v", err)
	}
}

func TestGetDefaultBotPersonality(t *testing.T) {
	db := newRepoDB(t, &domain.BotPersonality{})
	ctx := context.Background()

	if _, err := GetDefaultBotPersonality(ctx, db, "org-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound with no bots, got %v", err)
	}

	bots := []domain.BotPersonality{
		{ID: "b-1", OrganizationID: "org-1", Name: "helper", IsActive: true, IsDefault: false},
		{ID: "b-2", OrganizationID: "org-1", Name: "main", IsActive: true, IsDefault: true},
		{ID: "b-3", OrganizationID: "org-1", Name: "retired", IsActive: false, IsDefault: true},
	}
	for i := range bots {
		if err := db.Create(&bots[i]).Error; err != nil {
			t.Fatalf("seed bot %s: %v", bots[i].ID, err)
		}
	}

	got, err := GetDefaultBotPersonality(ctx, db, "org-1")
	if err != nil || got.ID != "b-2" {
		t.Fatalf("expected the active default bot, got %+v err=%v", got, err)
	}
}

func TestEnsureDefaultChannelConfig(t *testing.T) {
	db := newRepoDB(t, &domain.ChannelConfig{})
	ctx := context.Background()

	if _, err := GetDefaultChannelConfig(ctx, db, "org-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before provisioning, got %v", err)
	}

	first, err := EnsureDefaultChannelConfig(ctx, db, "org-1")
	if err != nil {
		t.Fatalf("EnsureDefaultChannelConfig: %v", err)
	}
	if !first.IsDefault || !first.IsActive || first.OrganizationID != "org-1" {
		t.Fatalf("unexpected default config: %+v", first)
	}

	second, err := EnsureDefaultChannelConfig(ctx, db, "org-1")
	if err != nil || second.ID != first.ID {
		t.Fatalf("ensure must be idempotent: %+v vs %+v err=%v", first, second, err)
	}
}

func TestEnsureDefaultOrganization(t *testing.T) {
	db := newRepoDB(t, &domain.Organization{}, &domain.ChannelConfig{})
	ctx := context.Background()

	org, err := EnsureDefaultOrganization(ctx, db)
	if err != nil {
		t.Fatalf("EnsureDefaultOrganization: %v", err)
	}
	if org.ID != defaultOrgID || org.Slug != "demo" {
		t.Fatalf("unexpected org: %+v", org)
	}

	// The seed also provisions the default channel config.
	if _, err := GetDefaultChannelConfig(ctx, db, defaultOrgID); err != nil {
		t.Fatalf("expected default channel config, got %v", err)
	}

	again, err := EnsureDefaultOrganization(ctx, db)
	if err != nil || again.ID != org.ID {
		t.Fatalf("seed must be idempotent: %+v err=%v", again, err)
	}
}
