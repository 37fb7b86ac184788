package domain

import (
	"time"
)

// EventInstance is a single dated occurrence of a village event.
type EventInstance struct {
	ID                   string    `json:"id"`
	RecurrenceID         *string   `json:"recurrence_id,omitempty"`
	Title                string    `json:"title"`
	Description          *string   `json:"description,omitempty"`
	Location             *string   `json:"location,omitempty"`
	EventDate            time.Time `json:"event_date"`
	RequiresRegistration bool      `json:"requires_registration"`
	SlotsAvailable       *int      `json:"slots_available,omitempty"`
	IsCancelled          bool      `json:"is_cancelled"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// NextInstance returns a new uncancelled instance of the series that copies the
// descriptive fields and capacity of e, dated at eventDate and linked to ruleID.
// ID is set by the store on insert.
func (e *EventInstance) NextInstance(ruleID string, eventDate, createdAt time.Time) *EventInstance {
	next := &EventInstance{
		RecurrenceID:         &ruleID,
		Title:                e.Title,
		Description:          cloneString(e.Description),
		Location:             cloneString(e.Location),
		EventDate:            eventDate,
		RequiresRegistration: e.RequiresRegistration,
		CreatedAt:            createdAt,
		UpdatedAt:            createdAt,
	}
	if e.SlotsAvailable != nil {
		slots := *e.SlotsAvailable
		next.SlotsAvailable = &slots
	}
	return next
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
