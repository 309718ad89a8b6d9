package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
)

// FindOrCreateCustomer returns the customer with the given normalized phone
// number, creating the row when it does not exist yet. The (org, phone)
// unique index makes concurrent creation safe: on a constraint violation we
// re-read the row the other writer inserted.
func FindOrCreateCustomer(ctx context.Context, db *gorm.DB, orgID, phone, name string) (*domain.Customer, error) {
	var c domain.Customer
	err := db.WithContext(ctx).
		Where("organization_id = ? AND phone = ?", orgID, phone).
		First(&c).Error
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	c = domain.Customer{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Phone:          phone,
		Name:           name,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&c).Error; err != nil {
		// Lost the race against a concurrent insert; fetch the winner.
		var existing domain.Customer
		if ferr := db.WithContext(ctx).
			Where("organization_id = ? AND phone = ?", orgID, phone).
			First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, err
	}
	return &c, nil
}

// GetCustomerByPhone returns the customer with the given normalized phone
// number. Unlike FindOrCreateCustomer it never creates the row: the outgoing
// webhook path must not fabricate customers.
func GetCustomerByPhone(ctx context.Context, db *gorm.DB, orgID, phone string) (*domain.Customer, error) {
	var c domain.Customer
	err := db.WithContext(ctx).
		Where("organization_id = ? AND phone = ?", orgID, phone).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetActiveChatSession returns the customer's active conversation thread.
// Returns ErrNotFound when the customer has no active thread.
func GetActiveChatSession(ctx context.Context, db *gorm.DB, orgID, customerID string) (*domain.ChatSession, error) {
	var cs domain.ChatSession
	err := db.WithContext(ctx).
		Where("organization_id = ? AND customer_id = ? AND status = ?",
			orgID, customerID, domain.ChatSessionActive).
		Order("started_at desc").
		First(&cs).Error
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// CreateChatSession opens a new conversation thread for a customer.
func CreateChatSession(ctx context.Context, db *gorm.DB, cs *domain.ChatSession) error {
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	if cs.StartedAt.IsZero() {
		cs.StartedAt = time.Now().UTC()
	}
	if cs.Status == "" {
		cs.Status = domain.ChatSessionActive
	}
	return db.WithContext(ctx).Create(cs).Error
}

// GetChatSessionByID fetches a conversation thread, organization-scoped.
func GetChatSessionByID(ctx context.Context, db *gorm.DB, orgID, id string) (*domain.ChatSession, error) {
	var cs domain.ChatSession
	err := db.WithContext(ctx).
		Where("organization_id = ? AND id = ?", orgID, id).
		First(&cs).Error
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// GetAgentByID fetches an active agent, organization-scoped. Returns
// ErrNotFound for missing or inactive agents.
func GetAgentByID(ctx context.Context, db *gorm.DB, orgID, id string) (*domain.Agent, error) {
	var a domain.Agent
	err := db.WithContext(ctx).
		Where("organization_id = ? AND id = ? AND is_active = ?", orgID, id, true).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetDefaultBotPersonality returns the organization's default active bot
// personality, or ErrNotFound when none is configured.
func GetDefaultBotPersonality(ctx context.Context, db *gorm.DB, orgID string) (*domain.BotPersonality, error) {
	var b domain.BotPersonality
	err := db.WithContext(ctx).
		Where("organization_id = ? AND is_default = ? AND is_active = ?", orgID, true, true).
		First(&b).Error
	if err != nil {
		return nil, err
	}
	return &b, nil
}
