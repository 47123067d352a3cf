package graph

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ciris/internal/types"
)

// SaveTask inserts or replaces a task row.
func (s *Store) SaveTask(task types.Task) error {
	if task.TaskID == "" || task.OccurrenceID == "" {
		return fmt.Errorf("%w: task_id and occurrence_id required", ErrInvalidNode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctxJSON, err := json.Marshal(task.Context)
	if err != nil {
		return fmt.Errorf("marshal task context: %w", err)
	}
	updatedInfo := 0
	if task.UpdatedInfoAvailable {
		updatedInfo = 1
	}

	_, err = s.db.Exec(
		`INSERT INTO tasks (task_id, occurrence_id, channel_ref, status, content, context,
		                    updated_info, updated_info_content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, occurrence_id) DO UPDATE SET
		   channel_ref = excluded.channel_ref,
		   status = excluded.status,
		   content = excluded.content,
		   context = excluded.context,
		   updated_info = excluded.updated_info,
		   updated_info_content = excluded.updated_info_content,
		   updated_at = excluded.updated_at`,
		task.TaskID, task.OccurrenceID, task.ChannelRef, string(task.Status),
		task.Content, string(ctxJSON), updatedInfo, task.UpdatedInfoContent,
		task.CreatedAt, s.clk.Now(),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.TaskID, err)
	}
	return nil
}

// GetTask fetches one task within the occurrence.
func (s *Store) GetTask(occurrenceID, taskID string) (types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT task_id, occurrence_id, channel_ref, status, content, context,
		        updated_info, updated_info_content, created_at, updated_at
		 FROM tasks WHERE task_id = ? AND occurrence_id = ?`,
		taskID, occurrenceID,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return task, err
}

// TasksByStatus returns the occurrence's tasks in a given status, oldest
// first.
func (s *Store) TasksByStatus(occurrenceID string, status types.TaskStatus) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT task_id, occurrence_id, channel_ref, status, content, context,
		        updated_info, updated_info_content, created_at, updated_at
		 FROM tasks WHERE occurrence_id = ? AND status = ? ORDER BY task_id ASC`,
		occurrenceID, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ActiveTaskForChannel finds the active task bound to a channel, if any.
// Used to set the updated-info flag instead of opening a duplicate task.
func (s *Store) ActiveTaskForChannel(occurrenceID, channelRef string) (types.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT task_id, occurrence_id, channel_ref, status, content, context,
		        updated_info, updated_info_content, created_at, updated_at
		 FROM tasks WHERE occurrence_id = ? AND channel_ref = ? AND status = ?
		 ORDER BY task_id ASC LIMIT 1`,
		occurrenceID, channelRef, string(types.TaskActive),
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, false, nil
	}
	if err != nil {
		return types.Task{}, false, err
	}
	return task, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (types.Task, error) {
	var task types.Task
	var status, ctxJSON string
	var updatedInfo int
	err := row.Scan(&task.TaskID, &task.OccurrenceID, &task.ChannelRef, &status,
		&task.Content, &ctxJSON, &updatedInfo, &task.UpdatedInfoContent,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return types.Task{}, err
	}
	task.Status = types.TaskStatus(status)
	task.UpdatedInfoAvailable = updatedInfo != 0
	if ctxJSON != "" && ctxJSON != "null" {
		if err := json.Unmarshal([]byte(ctxJSON), &task.Context); err != nil {
			return types.Task{}, fmt.Errorf("task context: %w", err)
		}
	}
	return task, nil
}

// =============================================================================
// DEFERRALS
// =============================================================================

// SaveDeferral records an escalation to a wise authority.
func (s *Store) SaveDeferral(rec types.DeferralRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resolution interface{}
	if rec.Resolution != nil {
		data, err := json.Marshal(rec.Resolution)
		if err != nil {
			return fmt.Errorf("marshal resolution: %w", err)
		}
		resolution = string(data)
	}

	var deferUntil interface{}
	if !rec.DeferUntil.IsZero() {
		deferUntil = rec.DeferUntil
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO deferrals
		   (deferral_id, task_id, thought_id, reason, defer_until, requires_authority, resolution, occurrence_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DeferralID, rec.TaskID, rec.ThoughtID, rec.Reason, deferUntil,
		rec.RequiresAuthority, resolution, rec.OccurrenceID, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save deferral %s: %w", rec.DeferralID, err)
	}
	return nil
}

// PendingDeferrals returns unresolved deferrals for the occurrence.
func (s *Store) PendingDeferrals(occurrenceID string) ([]types.DeferralRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT deferral_id, task_id, thought_id, reason, defer_until, requires_authority, resolution, occurrence_id, created_at
		 FROM deferrals WHERE occurrence_id = ? AND resolution IS NULL ORDER BY deferral_id ASC`,
		occurrenceID,
	)
	if err != nil {
		return nil, fmt.Errorf("pending deferrals: %w", err)
	}
	defer rows.Close()

	var records []types.DeferralRecord
	for rows.Next() {
		var rec types.DeferralRecord
		var deferUntil sql.NullTime
		var resolution sql.NullString
		if err := rows.Scan(&rec.DeferralID, &rec.TaskID, &rec.ThoughtID, &rec.Reason,
			&deferUntil, &rec.RequiresAuthority, &resolution, &rec.OccurrenceID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deferral: %w", err)
		}
		if deferUntil.Valid {
			rec.DeferUntil = deferUntil.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ResolveDeferral attaches an authority decision to a deferral.
func (s *Store) ResolveDeferral(occurrenceID, deferralID string, res types.DeferralResolution) (types.DeferralRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(res)
	if err != nil {
		return types.DeferralRecord{}, fmt.Errorf("marshal resolution: %w", err)
	}

	result, err := s.db.Exec(
		"UPDATE deferrals SET resolution = ? WHERE deferral_id = ? AND occurrence_id = ?",
		string(data), deferralID, occurrenceID,
	)
	if err != nil {
		return types.DeferralRecord{}, fmt.Errorf("resolve deferral %s: %w", deferralID, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return types.DeferralRecord{}, fmt.Errorf("%w: deferral %s", ErrNotFound, deferralID)
	}

	var rec types.DeferralRecord
	var deferUntil sql.NullTime
	var resolution sql.NullString
	err = s.db.QueryRow(
		`SELECT deferral_id, task_id, thought_id, reason, defer_until, requires_authority, resolution, occurrence_id, created_at
		 FROM deferrals WHERE deferral_id = ?`,
		deferralID,
	).Scan(&rec.DeferralID, &rec.TaskID, &rec.ThoughtID, &rec.Reason,
		&deferUntil, &rec.RequiresAuthority, &resolution, &rec.OccurrenceID, &rec.CreatedAt)
	if err != nil {
		return types.DeferralRecord{}, fmt.Errorf("reload deferral %s: %w", deferralID, err)
	}
	if deferUntil.Valid {
		rec.DeferUntil = deferUntil.Time
	}
	if resolution.Valid {
		var parsed types.DeferralResolution
		if err := json.Unmarshal([]byte(resolution.String), &parsed); err == nil {
			rec.Resolution = &parsed
		}
	}
	return rec, nil
}

// DueDeferrals returns unresolved deferrals whose defer_until has passed.
func (s *Store) DueDeferrals(occurrenceID string, now time.Time) ([]types.DeferralRecord, error) {
	records, err := s.PendingDeferrals(occurrenceID)
	if err != nil {
		return nil, err
	}
	var due []types.DeferralRecord
	for _, rec := range records {
		if !rec.DeferUntil.IsZero() && !rec.DeferUntil.After(now) {
			due = append(due, rec)
		}
	}
	return due, nil
}
