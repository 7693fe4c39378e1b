package job

import "time"

// EventType identifies a room lifecycle event.
type EventType string

const (
	// EventRoomJoined fires once the local agent has joined the room.
	EventRoomJoined EventType = "room_joined"

	// EventRoomLeft fires when the room connection ends, locally or not.
	EventRoomLeft EventType = "room_left"

	// EventParticipantJoined fires when a remote participant joins.
	EventParticipantJoined EventType = "participant_joined"

	// EventParticipantLeft fires when a remote participant leaves.
	EventParticipantLeft EventType = "participant_left"

	// EventTrackEnabled fires when a remote audio track becomes readable.
	EventTrackEnabled EventType = "track_enabled"

	// EventTrackDisabled fires when a remote audio track stops.
	EventTrackDisabled EventType = "track_disabled"

	// EventRoomError reports a transport failure the room survived.
	EventRoomError EventType = "room_error"
)

// Participant identifies a remote participant in room events.
type Participant struct {
	Identity string
	SID      string
}

// Event is a room lifecycle notification delivered on Room.Events.
type Event struct {
	// Type of the event
	Type EventType

	// Timestamp when the event occurred
	Timestamp time.Time

	// Participant associated with the event (if applicable)
	Participant Participant

	// Track SID, when the event concerns a track
	Track string

	// Err carries the failure for error events
	Err error
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// WithParticipant adds participant information to the event.
func (e *Event) WithParticipant(p Participant) *Event {
	e.Participant = p
	return e
}

// WithTrack adds the track SID to the event.
func (e *Event) WithTrack(sid string) *Event {
	e.Track = sid
	return e
}

// WithError adds a transport error to the event.
func (e *Event) WithError(err error) *Event {
	e.Err = err
	return e
}
