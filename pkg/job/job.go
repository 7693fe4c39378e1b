// Package job ties one registry assignment to one room. A JobContext
// carries the job descriptor, the room connection and coordinated shutdown;
// Room abstracts the media transport so the same session code runs against
// a LiveKit server or against local WAV files in console mode.
package job

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Job identifies one assignment handed to a worker by the registry. The
// worker resolves it into a room connection and an agent session.
type Job struct {
	// ID is the registry-assigned identifier, unique per assignment.
	ID string

	// RoomID and RoomName locate the room this job serves.
	RoomID   string
	RoomName string

	// URL and Token authorize the media connection. Both are empty in
	// console mode.
	URL   string
	Token string

	// AgentName is the agent the registry dispatched this job to.
	AgentName string
}

const (
	// AssignmentTimeout bounds how long a worker waits for the registry to
	// confirm an accepted job.
	AssignmentTimeout = 7500 * time.Millisecond

	// DefaultJobTimeout bounds overall job execution when the caller does
	// not supply its own deadline.
	DefaultJobTimeout = 5 * time.Minute
)

// String returns a compact representation for logging.
func (j Job) String() string {
	return fmt.Sprintf("Job{ID: %s, Room: %s}", j.ID, j.RoomName)
}

// NewJobID returns a random job identifier. Console mode fabricates local
// jobs with it; registry-assigned jobs keep the registry's ID.
func NewJobID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("job_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("job_%x", bytes)
}
