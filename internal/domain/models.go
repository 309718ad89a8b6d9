// Package domain defines the persistence models for organizations, channel
// configuration, gateway sessions, webhook bookkeeping, and chat data. These
// types are mapped with GORM and form the core data layer of the wahadesk
// backend.
//
// Everything here is tenant-scoped: every row carries an OrganizationID and
// every repository query filters on it, so cross-tenant access is impossible
// by construction rather than by convention.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Organization is the tenant root. All other aggregates hang off it.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Name / Slug: display name and URL-safe identifier.
//   - Metadata: free-form JSON attached to gateway sessions on creation
//     (flattened to string keys first, see services.FlattenMetadata).
type Organization struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	Name      string         `json:"name"       gorm:"type:varchar(255);not null"`
	Slug      string         `json:"slug"       gorm:"type:varchar(64);not null;uniqueIndex"`
	Metadata  string         `json:"metadata,omitempty" gorm:"type:text"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for Organization.
func (Organization) TableName() string { return "organizations" }

// ChannelConfig describes a messaging channel owned by an organization.
// Exactly one config per organization is flagged as the default; it is
// created deterministically at provisioning time and is the config that
// sync-created gateway sessions attach to.
type ChannelConfig struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string         `json:"organization_id" gorm:"type:char(36);not null;index:idx_org_channels"`
	Name           string         `json:"name"            gorm:"type:varchar(255);not null"`
	IsDefault      bool           `json:"is_default"      gorm:"not null;default:false"`
	IsActive       bool           `json:"is_active"       gorm:"not null"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`
}

// TableName returns the database table name for ChannelConfig.
func (ChannelConfig) TableName() string { return "channel_configs" }

// WahaSession mirrors a remote gateway (WAHA) session plus local usage
// counters. It is the aggregate the synchronizer reconciles: the gateway is
// the source of truth for existence and liveness, this row is the durable,
// organization-scoped cache.
//
// A session is uniquely identified within an organization by SessionName;
// that is the key used to correlate with the gateway's remote session list.
type WahaSession struct {
	ID             string `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string `json:"organization_id" gorm:"type:char(36);not null;uniqueIndex:ux_org_session_name,priority:1"`
	SessionName    string `json:"session_name"    gorm:"type:varchar(128);not null;uniqueIndex:ux_org_session_name,priority:2"`

	// Remote-mirrored fields, refreshed on every sync pass.
	Status          SessionStatus `json:"status"            gorm:"type:varchar(16);not null;default:'connecting'"`
	PhoneNumber     *string       `json:"phone_number,omitempty" gorm:"type:varchar(32)"`
	IsAuthenticated bool          `json:"is_authenticated"  gorm:"not null;default:false"`
	IsConnected     bool          `json:"is_connected"      gorm:"not null;default:false"`
	HealthStatus    HealthStatus  `json:"health_status"     gorm:"type:varchar(16);not null;default:'unknown'"`
	LastHealthCheck *time.Time    `json:"last_health_check,omitempty"`

	// Local-only counters and error bookkeeping.
	ErrorCount            int     `json:"error_count"             gorm:"not null;default:0"`
	LastError             *string `json:"last_error,omitempty"    gorm:"type:text"`
	TotalMessagesSent     int64   `json:"total_messages_sent"     gorm:"not null;default:0"`
	TotalMessagesReceived int64   `json:"total_messages_received" gorm:"not null;default:0"`
	TotalMediaSent        int64   `json:"total_media_sent"        gorm:"not null;default:0"`
	TotalMediaReceived    int64   `json:"total_media_received"    gorm:"not null;default:0"`

	// Ownership / linkage.
	ChannelConfigID string  `json:"channel_config_id" gorm:"type:char(36);not null"`
	N8nWorkflowID   *string `json:"n8n_workflow_id,omitempty" gorm:"type:varchar(64)"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for WahaSession.
func (WahaSession) TableName() string { return "waha_sessions" }

// WebhookLog is the dedup ledger: one row per processed inbound webhook
// delivery, keyed by the gateway's native message id. Redeliveries within
// the dedup window are detected against this table independent of whether a
// chat Message was ultimately persisted.
type WebhookLog struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string    `json:"organization_id" gorm:"type:char(36);not null;index:idx_org_msg_processed,priority:1"`
	MessageID      string    `json:"message_id"      gorm:"type:varchar(255);not null;index:idx_org_msg_processed,priority:2"`
	WebhookType    string    `json:"webhook_type"    gorm:"type:varchar(64);not null"`
	Status         string    `json:"status"          gorm:"type:varchar(16);not null"`
	Payload        string    `json:"payload"         gorm:"type:text"`
	ProcessedAt    time.Time `json:"processed_at"    gorm:"not null;index:idx_org_msg_processed,priority:3"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for WebhookLog.
func (WebhookLog) TableName() string { return "webhook_logs" }

// WebhookLog status values.
const (
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
	WebhookStatusSkipped   = "skipped"
)

// Customer is an end user reaching the organization over WhatsApp,
// identified by normalized phone number (digits with a leading "+", no
// "@c.us" suffix).
type Customer struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string         `json:"organization_id" gorm:"type:char(36);not null;uniqueIndex:ux_org_customer_phone,priority:1"`
	Phone          string         `json:"phone"           gorm:"type:varchar(32);not null;uniqueIndex:ux_org_customer_phone,priority:2"`
	Name           string         `json:"name"            gorm:"type:varchar(255)"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Customer.
func (Customer) TableName() string { return "customers" }

// ChatSession is a customer-support conversation thread. It is unrelated to
// the gateway WahaSession; one customer has at most one active thread at a
// time, optionally assigned to a human agent.
type ChatSession struct {
	ID              string         `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID  string         `json:"organization_id" gorm:"type:char(36);not null;index:idx_org_chat_sessions"`
	CustomerID      string         `json:"customer_id"     gorm:"type:char(36);not null;index"`
	Status          string         `json:"status"          gorm:"type:varchar(16);not null;default:'active';check:status IN ('active','resolved','closed')"`
	AssignedAgentID *string        `json:"assigned_agent_id,omitempty" gorm:"type:char(36)"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`

	Customer Customer `json:"-" gorm:"foreignKey:CustomerID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ChatSession.
func (ChatSession) TableName() string { return "chat_sessions" }

// ChatSession status values.
const (
	ChatSessionActive   = "active"
	ChatSessionResolved = "resolved"
	ChatSessionClosed   = "closed"
)

// Agent is a human operator who can be assigned to chat sessions.
type Agent struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string         `json:"organization_id" gorm:"type:char(36);not null;index:idx_org_agents"`
	Name           string         `json:"name"            gorm:"type:varchar(255);not null"`
	Email          string         `json:"email"           gorm:"type:varchar(255)"`
	IsActive       bool           `json:"is_active"       gorm:"not null"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Agent.
func (Agent) TableName() string { return "agents" }

// BotPersonality is an automated responder configuration. The organization's
// default active personality is attributed outgoing messages when no human
// agent is assigned to the thread.
type BotPersonality struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string         `json:"organization_id" gorm:"type:char(36);not null;index:idx_org_bots"`
	Name           string         `json:"name"            gorm:"type:varchar(255);not null"`
	IsActive       bool           `json:"is_active"       gorm:"not null"`
	IsDefault      bool           `json:"is_default"      gorm:"not null;default:false"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for BotPersonality.
func (BotPersonality) TableName() string { return "bot_personalities" }

// SystemBotID is the synthetic sender attributed to outgoing messages when
// neither an assigned agent nor a default bot personality exists.
const SystemBotID = "system-bot"

// Message is a single chat message within a ChatSession.
//
// Fields:
//   - SessionID: the owning ChatSession (NOT the gateway session).
//   - SenderType / SenderID: who authored the message (bot, agent, customer).
//   - WahaMessageID: the gateway's native message id, indexed for exact-id
//     dedup; empty when the gateway did not supply a stable id.
//   - RecipientPhone: normalized destination phone for outgoing messages,
//     used by the content-window dedup fallback.
//   - Metadata: raw gateway payload fragment kept as JSON for audit.
type Message struct {
	ID             string `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string `json:"organization_id" gorm:"type:char(36);not null;index:idx_org_messages,priority:1"`
	SessionID      string `json:"session_id"      gorm:"type:char(36);not null;index:idx_session_msgs,priority:1"`
	SenderType     string `json:"sender_type"     gorm:"type:varchar(16);not null;check:sender_type IN ('bot','agent','customer')"`
	SenderID       string `json:"sender_id"       gorm:"type:varchar(64);not null"`
	MessageText    string `json:"message_text"    gorm:"type:text;not null"`
	MessageType    string `json:"message_type"    gorm:"type:varchar(16);not null;default:'text'"`
	WahaMessageID  string `json:"waha_message_id,omitempty" gorm:"type:varchar(255);index:idx_org_messages,priority:2"`
	RecipientPhone string `json:"recipient_phone,omitempty" gorm:"type:varchar(32)"`
	Metadata       string `json:"metadata,omitempty"        gorm:"type:text"`

	CreatedAt time.Time      `json:"created_at" gorm:"index:idx_session_msgs,priority:2"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Session ChatSession `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Message sender types.
const (
	SenderBot      = "bot"
	SenderAgent    = "agent"
	SenderCustomer = "customer"
)

// Message content types.
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeLocation = "location"
	MessageTypeContact  = "contact"
)
