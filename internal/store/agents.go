package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RegisterAgentEnv upserts the environment an agent reported when joining.
// Rejoining from a new directory or terminal replaces the stored values.
func (s *Store) RegisterAgentEnv(ctx context.Context, env AgentEnv) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_envs (agent_id, agent_runtime, project_dir, agent_terminal, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				agent_runtime = excluded.agent_runtime,
				project_dir = excluded.project_dir,
				agent_terminal = excluded.agent_terminal,
				updated_at = excluded.updated_at;
		`, env.AgentID, env.AgentRuntime, env.ProjectDir, env.AgentTerminal, s.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("register agent env: %w", err)
	}
	return nil
}

// AgentEnvFor returns an agent's recorded environment, or nil when the agent
// never joined.
func (s *Store) AgentEnvFor(ctx context.Context, agentID string) (*AgentEnv, error) {
	var env AgentEnv
	var runtime, projectDir, terminal sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, agent_runtime, project_dir, agent_terminal, updated_at
		FROM agent_envs WHERE agent_id = ?;
	`, agentID).Scan(&env.AgentID, &runtime, &projectDir, &terminal, &env.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent env: %w", err)
	}
	env.AgentRuntime = runtime.String
	env.ProjectDir = projectDir.String
	env.AgentTerminal = terminal.String
	return &env, nil
}

// SetAgentDisplayName upserts the human-facing name shown for an agent id.
func (s *Store) SetAgentDisplayName(ctx context.Context, agentID, displayName string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_profiles (agent_id, display_name, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				display_name = excluded.display_name,
				updated_at = excluded.updated_at;
		`, agentID, displayName, s.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	return nil
}

// AgentDisplayName returns the stored display name, falling back to the
// agent id itself.
func (s *Store) AgentDisplayName(ctx context.Context, agentID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
		SELECT display_name FROM agent_profiles WHERE agent_id = ?;
	`, agentID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return agentID, nil
	}
	if err != nil {
		return "", fmt.Errorf("get display name: %w", err)
	}
	return name, nil
}
