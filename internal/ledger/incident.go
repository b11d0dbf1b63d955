package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// Incident is a multi-step incident workspace. Creating or appending steps
// also mirrors an event into the main chain (spec §4.1 "incident workspace").
type Incident struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// IncidentStep is one numbered entry in an incident's timeline.
type IncidentStep struct {
	IncidentID string `json:"incident_id"`
	StepNumber int64  `json:"step_number"`
	Note       string `json:"note"`
	CreatedAt  string `json:"created_at"`
}

// CreateIncident opens a new incident workspace and mirrors an
// "incident.created" event into the ledger.
func (l *Ledger) CreateIncident(actor, title string) (Incident, error) {
	id := uuid.NewString()
	now := nowISO()

	if _, err := l.db.Exec(`INSERT INTO incidents (id, title, created_at) VALUES (?, ?, ?)`, id, title, now); err != nil {
		return Incident{}, fmt.Errorf("create incident: %w", err)
	}
	l.AppendBestEffort("incident.created", actor, fmt.Sprintf(`{"id":%q,"title":%q}`, id, title))
	return Incident{ID: id, Title: title, CreatedAt: now}, nil
}

// AppendStep records the next step for an incident (monotone per-incident
// step_number) and mirrors an "incident.step" event.
func (l *Ledger) AppendStep(actor, incidentID, note string) (IncidentStep, error) {
	next, err := l.nextStepNumber(incidentID)
	if err != nil {
		return IncidentStep{}, err
	}
	now := nowISO()
	if _, err := l.db.Exec(
		`INSERT INTO incident_steps (incident_id, step_number, note, created_at) VALUES (?, ?, ?, ?)`,
		incidentID, next, note, now,
	); err != nil {
		return IncidentStep{}, fmt.Errorf("append incident step: %w", err)
	}
	l.AppendBestEffort("incident.step", actor, fmt.Sprintf(`{"incident_id":%q,"step":%d,"note":%q}`, incidentID, next, note))
	return IncidentStep{IncidentID: incidentID, StepNumber: next, Note: note, CreatedAt: now}, nil
}

func (l *Ledger) nextStepNumber(incidentID string) (int64, error) {
	var max int64
	err := l.db.QueryRow(`SELECT COALESCE(MAX(step_number), 0) FROM incident_steps WHERE incident_id = ?`, incidentID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("read max step number: %w", err)
	}
	return max + 1, nil
}

// ListSteps returns every step of an incident in order.
func (l *Ledger) ListSteps(incidentID string) ([]IncidentStep, error) {
	rows, err := l.db.Query(
		`SELECT incident_id, step_number, note, created_at FROM incident_steps WHERE incident_id = ? ORDER BY step_number ASC`,
		incidentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list incident steps: %w", err)
	}
	defer rows.Close()

	var steps []IncidentStep
	for rows.Next() {
		var s IncidentStep
		if err := rows.Scan(&s.IncidentID, &s.StepNumber, &s.Note, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan incident step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
