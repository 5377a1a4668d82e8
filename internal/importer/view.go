package importer

import "time"

// Summary counts the rows of a session.
type Summary struct {
	Total         int `json:"total"`
	Valid         int `json:"valid"`
	Invalid       int `json:"invalid"`
	Pending       int `json:"pending"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	ClassAssigned int `json:"class_assigned"`
}

// RowView is a row with its current validation state.
type RowView struct {
	RawRow
	Valid    bool              `json:"valid"`
	Problems []ValidationError `json:"problems,omitempty"`
}

// FieldView describes a field choice for the mapping UI.
type FieldView struct {
	Name     Field  `json:"name"`
	Kind     string `json:"kind"`
	Required bool   `json:"required"`
}

// SessionView is a point-in-time copy of a session, safe to hand to callers.
type SessionView struct {
	ID              string             `json:"id"`
	Entity          string             `json:"entity"`
	FileName        string             `json:"file_name"`
	Sheet           string             `json:"sheet"`
	Headers         []string           `json:"headers"`
	Fields          []FieldView        `json:"fields"`
	Mappings        []ColumnMapping    `json:"mappings"`
	MissingMappings []Field            `json:"missing_mappings,omitempty"`
	Duplicates      map[Field][]string `json:"duplicate_mappings,omitempty"`
	Context         SessionContext     `json:"context"`
	RequiresContext bool               `json:"requires_context"`
	RowAssignments  bool               `json:"row_assignments"`
	Rows            []RowView          `json:"rows"`
	Summary         Summary            `json:"summary"`
	TotalRows       int                `json:"total_rows"`
	Truncated       bool               `json:"truncated"`
	User            string             `json:"user,omitempty"`
	LastResult      *SessionResult     `json:"last_result,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	LastActive      time.Time          `json:"last_active"`
}

func (m *Manager) view(def EntityDefinition, s *Session) *SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.viewLocked(def, s)
}

// viewLocked builds a view. Called with s.mu held.
func (m *Manager) viewLocked(def EntityDefinition, s *Session) *SessionView {
	validator := NewRowValidator(def, s.Mappings, s.Context, m.now())

	v := &SessionView{
		ID:              s.ID,
		Entity:          s.Entity,
		FileName:        s.FileName,
		Sheet:           s.Sheet,
		Headers:         append([]string(nil), s.Headers...),
		Mappings:        append([]ColumnMapping(nil), s.Mappings...),
		MissingMappings: validator.MissingMappings(),
		Context:         s.Context,
		RequiresContext: def.RequiresContext,
		RowAssignments:  def.RowAssignments,
		TotalRows:       s.TotalRows,
		Truncated:       s.TotalRows > len(s.Rows),
		User:            s.User,
		LastResult:      s.LastResult,
		CreatedAt:       s.CreatedAt,
		LastActive:      s.LastActive,
		Rows:            make([]RowView, 0, len(s.Rows)),
	}

	if dups := Duplicates(s.Mappings); len(dups) > 0 {
		v.Duplicates = dups
	}

	for _, f := range def.Fields {
		v.Fields = append(v.Fields, FieldView{Name: f.Name, Kind: f.Kind.String(), Required: f.Required})
	}

	for _, row := range s.Rows {
		res := validator.Validate(*row)

		rv := RowView{RawRow: *row, Valid: res.Valid, Problems: res.Errors}
		rv.Values = make(map[string]string, len(row.Values))
		for k, val := range row.Values {
			rv.Values[k] = val
		}
		v.Rows = append(v.Rows, rv)

		v.Summary.Total++
		if res.Valid {
			v.Summary.Valid++
		} else {
			v.Summary.Invalid++
		}
		switch row.Status {
		case StatusSuccess:
			v.Summary.Succeeded++
		case StatusError:
			v.Summary.Failed++
		default:
			v.Summary.Pending++
		}
		if row.Class != "" {
			v.Summary.ClassAssigned++
		}
	}

	return v
}
