package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/model"
)

// InsertConversationWithBlocks inserts a Conversation row and all of its
// Blocks, in ordinal order, in a single transaction — the atomicity
// SPEC_FULL.md §4.9 requires for turn persistence.
func (s *Store) InsertConversationWithBlocks(ctx context.Context, conv *model.Conversation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}

	toolNamesJSON, err := marshalStrings(conv.Metrics.ToolNames)
	if err != nil {
		return fmt.Errorf("marshaling tool names: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (
			id, session_id, role, timestamp, personality, medium, user_id,
			ttft_ms, response_ms, thinking_ms, tool_uses, tool_names, prompt_summary
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		conv.ID, conv.SessionID, conv.Role, conv.Timestamp, conv.Personality, conv.Medium,
		conv.UserID, conv.Metrics.TTFTMs, conv.Metrics.ResponseMs, conv.Metrics.ThinkingMs,
		conv.Metrics.ToolUses, toolNamesJSON, conv.PromptSummary,
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for i := range conv.Blocks {
		b := &conv.Blocks[i]
		inputJSON, err := marshalOptional(b.ToolInput)
		if err != nil {
			return fmt.Errorf("marshaling tool input for block %d: %w", b.Ordinal, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_blocks (
				id, conversation_id, ordinal, type, text, tool_use_id, tool_name,
				tool_input, is_error
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			uuid.NewString(), conv.ID, b.Ordinal, b.Type, b.Text, b.ToolUseID, b.ToolName,
			inputJSON, b.IsError,
		)
		if err != nil {
			return fmt.Errorf("inserting block %d: %w", b.Ordinal, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// LoadConversationBlocks returns a conversation's blocks in ordinal order,
// used to resolve a tool_result's tool_use_id against session history.
func (s *Store) LoadConversationBlocks(ctx context.Context, conversationID string) ([]model.ConversationBlock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ordinal, type, text, tool_use_id, tool_name, tool_input, is_error
		FROM conversation_blocks WHERE conversation_id = $1 ORDER BY ordinal`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying blocks: %w", err)
	}
	defer rows.Close()

	var blocks []model.ConversationBlock
	for rows.Next() {
		var b model.ConversationBlock
		var inputJSON []byte
		if err := rows.Scan(&b.Ordinal, &b.Type, &b.Text, &b.ToolUseID, &b.ToolName, &inputJSON, &b.IsError); err != nil {
			return nil, fmt.Errorf("scanning block: %w", err)
		}
		if len(inputJSON) > 0 {
			if err := json.Unmarshal(inputJSON, &b.ToolInput); err != nil {
				return nil, fmt.Errorf("unmarshaling tool input: %w", err)
			}
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// ListConversations returns a session's conversation turns, blocks
// included, in chronological order, for the conversation-history HTTP
// endpoint.
func (s *Store) ListConversations(ctx context.Context, sessionID string) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, timestamp, personality, medium, user_id,
		       ttft_ms, response_ms, thinking_ms, tool_uses, tool_names, prompt_summary
		FROM conversations WHERE session_id = $1 ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		var conv model.Conversation
		var toolNamesJSON []byte
		if err := rows.Scan(
			&conv.ID, &conv.SessionID, &conv.Role, &conv.Timestamp, &conv.Personality,
			&conv.Medium, &conv.UserID, &conv.Metrics.TTFTMs, &conv.Metrics.ResponseMs,
			&conv.Metrics.ThinkingMs, &conv.Metrics.ToolUses, &toolNamesJSON, &conv.PromptSummary,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		if len(toolNamesJSON) > 0 {
			if err := json.Unmarshal(toolNamesJSON, &conv.Metrics.ToolNames); err != nil {
				return nil, fmt.Errorf("unmarshaling tool names: %w", err)
			}
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		blocks, err := s.LoadConversationBlocks(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Blocks = blocks
	}
	return out, nil
}

// ToolUseIDExistsInSession reports whether tool_use_id appears as a
// tool_use block anywhere in the session's conversation history, the
// invariant SPEC_FULL.md §3 requires of tool_result blocks.
func (s *Store) ToolUseIDExistsInSession(ctx context.Context, sessionID, toolUseID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_blocks cb
			JOIN conversations c ON c.id = cb.conversation_id
			WHERE c.session_id = $1 AND cb.tool_use_id = $2 AND cb.type = 'tool_use'
		)`, sessionID, toolUseID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking tool_use_id: %w", err)
	}
	return exists, nil
}

func marshalStrings(v []string) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}
