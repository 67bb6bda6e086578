package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// wireTask mirrors the document layout. ScopeID stays untyped so both the
// string and numeric representations decode.
type wireTask struct {
	ScopeID      any         `json:"scopeId"`
	Text         string      `json:"text"`
	Description  string      `json:"description"`
	Status       Status      `json:"status"`
	AssignedTo   []any       `json:"assignedTo"`
	Dependencies []any       `json:"dependencies"`
	Subtasks     []Subtask   `json:"subtasks"`
	Recurrence   *Recurrence `json:"recurrence"`
	DueDate      string      `json:"dueDate"`
	Members      []any       `json:"members"`
	CreatedAt    any         `json:"createdAt"`
	CreatedBy    string      `json:"createdBy"`
}

type wireProject struct {
	Name    string `json:"name"`
	AreaID  any    `json:"areaId"`
	Members []any  `json:"members"`
	OwnerID any    `json:"ownerId"`
}

func decodeFields(fields map[string]any, v any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func idList(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, NormalizeScopeID(v))
	}
	return NormalizeSet(out)
}

func anyList(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}

func decodeTime(v any) time.Time {
	switch ts := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t.UTC()
		}
	case json.Number:
		if ms, err := ts.Int64(); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Time{}
}

// TaskFromFields decodes a task document. The scope id is normalized, so a
// document stored with a numeric scope decodes to the same Task as its
// string twin.
func TaskFromFields(id string, fields map[string]any) (Task, error) {
	var w wireTask
	if err := decodeFields(fields, &w); err != nil {
		return Task{}, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	due := Date("")
	if w.DueDate != "" {
		d, err := ParseDate(w.DueDate)
		if err != nil {
			return Task{}, fmt.Errorf("failed to decode task %s: %w", id, err)
		}
		due = d
	}
	status := w.Status
	if status == "" {
		status = StatusTodo
	}
	return Task{
		ID:           id,
		ScopeID:      NormalizeScopeID(w.ScopeID),
		Text:         w.Text,
		Description:  w.Description,
		Status:       status,
		AssignedTo:   idList(w.AssignedTo),
		Dependencies: idList(w.Dependencies),
		Subtasks:     w.Subtasks,
		Recurrence:   w.Recurrence,
		DueDate:      due,
		Members:      idList(w.Members),
		CreatedAt:    decodeTime(w.CreatedAt),
		CreatedBy:    w.CreatedBy,
		Origin:       OriginPersisted,
	}, nil
}

// Fields encodes t as a task document. Origin and external ids are local
// metadata and never stored.
func (t Task) Fields() map[string]any {
	fields := map[string]any{
		FieldText:         t.Text,
		FieldDescription:  t.Description,
		FieldStatus:       string(t.Status),
		FieldAssignedTo:   anyList(t.AssignedTo),
		FieldDependencies: anyList(t.Dependencies),
		FieldMembers:      anyList(t.Members),
		FieldCreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339Nano),
		FieldCreatedBy:    t.CreatedBy,
	}
	if t.ScopeID != "" {
		fields[FieldScopeID] = t.ScopeID
	} else {
		fields[FieldScopeID] = nil
	}
	subtasks := make([]any, 0, len(t.Subtasks))
	for _, st := range t.Subtasks {
		subtasks = append(subtasks, map[string]any{"id": st.ID, "text": st.Text, "completed": st.Completed})
	}
	fields[FieldSubtasks] = subtasks
	if t.Recurrence != nil {
		rec := map[string]any{
			"unit":            string(t.Recurrence.Unit),
			"interval":        t.Recurrence.Interval,
			"occurrenceCount": t.Recurrence.OccurrenceCount,
		}
		if t.Recurrence.OccurrenceLimit > 0 {
			rec["occurrenceLimit"] = t.Recurrence.OccurrenceLimit
		}
		fields[FieldRecurrence] = rec
	} else {
		fields[FieldRecurrence] = nil
	}
	if t.DueDate != "" {
		fields[FieldDueDate] = string(t.DueDate)
	}
	return fields
}

// ProjectFromFields decodes a project document.
func ProjectFromFields(id string, fields map[string]any) (Project, error) {
	var w wireProject
	if err := decodeFields(fields, &w); err != nil {
		return Project{}, fmt.Errorf("failed to decode project %s: %w", id, err)
	}
	return Project{
		ID:      NormalizeScopeID(id),
		Name:    w.Name,
		AreaID:  NormalizeScopeID(w.AreaID),
		Members: idList(w.Members),
		OwnerID: NormalizeScopeID(w.OwnerID),
	}, nil
}

// Fields encodes p as a project document.
func (p Project) Fields() map[string]any {
	fields := map[string]any{
		FieldName:    p.Name,
		FieldMembers: anyList(p.Members),
		FieldOwnerID: p.OwnerID,
	}
	if p.AreaID != "" {
		fields[FieldAreaID] = p.AreaID
	}
	return fields
}
