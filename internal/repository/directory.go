package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"agent-mail-gateway/internal/model"
)

// RoleAdmin is the member role that carries the profile admin permission.
const RoleAdmin = "admin"

// Directory answers the agent, user and team questions the email pipeline asks.
type Directory struct {
	db *gorm.DB
}

// NewDirectory creates a directory over the platform tables.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// GetAgent returns the agent with id, or nil when it does not exist.
func (d *Directory) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	err := d.db.WithContext(ctx).Where("id = ?", id).Take(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}
	return &agent, nil
}

// FindUserByEmail looks a user up by the lowercased address.
func (d *Directory) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := d.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return &user, nil
}

// IsProfileAdmin reports whether the user holds the admin role in any
// organization that owns the agent.
func (d *Directory) IsProfileAdmin(ctx context.Context, userID, agentID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Model(&model.Member{}).
		Joins("JOIN teams ON teams.organization_id = members.organization_id").
		Joins("JOIN agent_teams ON agent_teams.team_id = teams.id").
		Where("members.user_id = ? AND members.role = ? AND agent_teams.agent_id = ?", userID, RoleAdmin, agentID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check admin permission: %w", err)
	}
	return count > 0, nil
}

// UserHasAgentAccess reports whether the user shares a team with the agent.
func (d *Directory) UserHasAgentAccess(ctx context.Context, userID, agentID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Model(&model.TeamMember{}).
		Joins("JOIN agent_teams ON agent_teams.team_id = team_members.team_id").
		Where("team_members.user_id = ? AND agent_teams.agent_id = ?", userID, agentID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check team access: %w", err)
	}
	return count > 0, nil
}

// TeamsForAgent returns the teams the agent belongs to, oldest first.
func (d *Directory) TeamsForAgent(ctx context.Context, agentID string) ([]model.Team, error) {
	var teams []model.Team
	err := d.db.WithContext(ctx).
		Joins("JOIN agent_teams ON agent_teams.team_id = teams.id").
		Where("agent_teams.agent_id = ?", agentID).
		Order("teams.created_at ASC").
		Find(&teams).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get teams for agent %s: %w", agentID, err)
	}
	return teams, nil
}
