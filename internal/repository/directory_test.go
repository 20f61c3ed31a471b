package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-mail-gateway/internal/model"
)

func TestDirectoryGetAgent(t *testing.T) {
	gdb, mock := newMockDB(t)
	dir := NewDirectory(gdb)

	mock.ExpectQuery("SELECT \\* FROM `agents` WHERE id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "agent_type", "incoming_email_enabled", "incoming_email_security_mode"}).
			AddRow("a1", "Support", "agent", true, "public"))

	agent, err := dir.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "Support", agent.Name)
	assert.Equal(t, model.AgentTypeAgent, agent.AgentType)
	assert.Equal(t, model.SecurityModePublic, agent.IncomingEmailSecurityMode)
	assert.True(t, agent.IncomingEmailEnabled)
}

func TestDirectoryGetAgent_NotFound(t *testing.T) {
	gdb, mock := newMockDB(t)
	dir := NewDirectory(gdb)

	mock.ExpectQuery("SELECT \\* FROM `agents`").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	agent, err := dir.GetAgent(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, agent)
}

func TestDirectoryFindUserByEmail(t *testing.T) {
	gdb, mock := newMockDB(t)
	dir := NewDirectory(gdb)

	mock.ExpectQuery("SELECT \\* FROM `users` WHERE email = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name"}).AddRow("u1", "alice@example.com", "Alice"))

	user, err := dir.FindUserByEmail(context.Background(), "Alice@Example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "u1", user.ID)
}

func TestDirectoryIsProfileAdmin(t *testing.T) {
	gdb, mock := newMockDB(t)
	dir := NewDirectory(gdb)

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `members`").
		WithArgs("u1", RoleAdmin, "a1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := dir.IsProfileAdmin(context.Background(), "u1", "a1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDirectoryUserHasAgentAccess(t *testing.T) {
	gdb, mock := newMockDB(t)
	dir := NewDirectory(gdb)

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `team_members`").
		WithArgs("u1", "a1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	ok, err := dir.UserHasAgentAccess(context.Background(), "u1", "a1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirectoryTeamsForAgent(t *testing.T) {
	gdb, mock := newMockDB(t)
	dir := NewDirectory(gdb)

	mock.ExpectQuery("FROM `teams` JOIN agent_teams ON agent_teams.team_id = teams.id WHERE agent_teams.agent_id = \\?").
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "organization_id", "created_at"}).
			AddRow("t1", "Support", "org-1", time.Now()).
			AddRow("t2", "Sales", "org-2", time.Now()))

	teams, err := dir.TeamsForAgent(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.Equal(t, "org-1", teams[0].OrganizationID)
}
