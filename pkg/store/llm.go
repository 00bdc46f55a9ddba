// Copyright 2026 Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetUserLLM returns the name of the LLM the user selected, or
// ErrNotFound when the user has no selection.
func (s *Store) GetUserLLM(ctx context.Context, userID string) (string, error) {
	query := s.rebind(`SELECT llm_name FROM llm_configs WHERE user_id = ?`)
	var name string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get llm selection: %w", err)
	}
	return name, nil
}

// SetUserLLM records which configured LLM a user chats with.
func (s *Store) SetUserLLM(ctx context.Context, userID, llmName string) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	if llmName == "" {
		return fmt.Errorf("llm_name is required")
	}
	now := time.Now().UTC()

	update := s.rebind(`UPDATE llm_configs SET llm_name = ?, updated_at = ? WHERE user_id = ?`)
	res, err := s.db.ExecContext(ctx, update, llmName, now, userID)
	if err != nil {
		return fmt.Errorf("failed to update llm selection: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	insert := s.rebind(`INSERT INTO llm_configs (user_id, llm_name, updated_at) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, insert, userID, llmName, now); err != nil {
		return fmt.Errorf("failed to insert llm selection: %w", err)
	}
	return nil
}
