package model

import (
	"time"
)

// AgentType distinguishes internal agents from external agent profiles.
type AgentType string

const (
	AgentTypeAgent   AgentType = "agent"
	AgentTypeProfile AgentType = "profile"
)

// SecurityMode governs which email senders may trigger an agent.
type SecurityMode string

const (
	SecurityModePrivate  SecurityMode = "private"
	SecurityModeInternal SecurityMode = "internal"
	SecurityModePublic   SecurityMode = "public"
)

// Agent is the subset of the platform's agent record the email pipeline reads.
type Agent struct {
	ID                         string       `json:"id" gorm:"type:char(36);primaryKey"`
	Name                       string       `json:"name" gorm:"type:varchar(255);not null"`
	AgentType                  AgentType    `json:"agent_type" gorm:"type:varchar(32);not null;default:agent"`
	SystemPrompt               string       `json:"system_prompt" gorm:"type:text"`
	IncomingEmailEnabled       bool         `json:"incoming_email_enabled" gorm:"default:false"`
	IncomingEmailSecurityMode  SecurityMode `json:"incoming_email_security_mode" gorm:"type:varchar(32);not null;default:private"`
	IncomingEmailAllowedDomain *string      `json:"incoming_email_allowed_domain" gorm:"type:varchar(255)"`
	CreatedAt                  time.Time    `json:"created_at"`
	UpdatedAt                  time.Time    `json:"updated_at"`
}

// TableName specifies the table name for Agent
func (Agent) TableName() string {
	return "agents"
}

// User is a registered platform user.
type User struct {
	ID        string    `json:"id" gorm:"type:char(36);primaryKey"`
	Email     string    `json:"email" gorm:"type:varchar(255) COLLATE utf8mb4_bin;not null;uniqueIndex"`
	Name      string    `json:"name" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// Member binds a user to an organization with a role. The "admin" role
// carries the profile admin permission.
type Member struct {
	ID             uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID         string    `json:"user_id" gorm:"type:char(36);not null;uniqueIndex:ux_members_user_org,priority:1"`
	OrganizationID string    `json:"organization_id" gorm:"type:char(36);not null;uniqueIndex:ux_members_user_org,priority:2"`
	Role           string    `json:"role" gorm:"type:varchar(32);not null;default:member"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName specifies the table name for Member
func (Member) TableName() string {
	return "members"
}

// Team groups users and agents inside an organization.
type Team struct {
	ID             string    `json:"id" gorm:"type:char(36);primaryKey"`
	Name           string    `json:"name" gorm:"type:varchar(255);not null"`
	OrganizationID string    `json:"organization_id" gorm:"type:char(36);index"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName specifies the table name for Team
func (Team) TableName() string {
	return "teams"
}

// TeamMember links a user to a team.
type TeamMember struct {
	TeamID string `json:"team_id" gorm:"type:char(36);primaryKey"`
	UserID string `json:"user_id" gorm:"type:char(36);primaryKey"`
}

// TableName specifies the table name for TeamMember
func (TeamMember) TableName() string {
	return "team_members"
}

// AgentTeam links an agent to a team.
type AgentTeam struct {
	AgentID string `json:"agent_id" gorm:"type:char(36);primaryKey"`
	TeamID  string `json:"team_id" gorm:"type:char(36);primaryKey"`
}

// TableName specifies the table name for AgentTeam
func (AgentTeam) TableName() string {
	return "agent_teams"
}
