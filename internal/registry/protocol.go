// Package registry maintains the worker's duplex link to a job registry:
// a single JSON-over-WebSocket connection that registers the worker,
// reports status and job progress, and receives availability probes,
// job assignments, and termination requests.
package registry

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates wire messages in both directions.
type MessageType string

const (
	// Outbound (worker to registry).
	MessageRegister             MessageType = "register"
	MessageStatusUpdate         MessageType = "status_update"
	MessageAvailabilityResponse MessageType = "availability_response"
	MessageJobUpdate            MessageType = "job_update"
	MessagePing                 MessageType = "ping"

	// Inbound (registry to worker). Register acks reuse MessageRegister.
	MessageAvailabilityRequest MessageType = "availability_request"
	MessageJobAssignment       MessageType = "job_assignment"
	MessageJobTermination      MessageType = "job_termination"
	MessagePong                MessageType = "pong"
)

// WorkerStatus is the coarse state reported in status updates.
type WorkerStatus string

const (
	StatusAvailable WorkerStatus = "available"
	StatusDraining  WorkerStatus = "draining"
	StatusOffline   WorkerStatus = "offline"
)

// JobStatus is the per-job state reported in job updates.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobError     JobStatus = "error"
)

// RegisterRequest announces the worker to the registry. WorkerID is empty
// on the first connection of a process; reconnects carry the previously
// assigned id so the registry keeps treating them as the same worker.
type RegisterRequest struct {
	Type          MessageType `json:"type"`
	WorkerID      string      `json:"worker_id,omitempty"`
	AgentName     string      `json:"agent_name"`
	Namespace     string      `json:"namespace"`
	Version       string      `json:"version"`
	Capabilities  []string    `json:"capabilities"`
	LoadThreshold float64     `json:"load_threshold"`
	MaxProcesses  int         `json:"max_processes"`
	Token         string      `json:"token"`
}

// RegisterAck is the registry's reply to a RegisterRequest. Success=false
// means the registration was rejected and the connection is useless.
type RegisterAck struct {
	Type     MessageType `json:"type"`
	Success  bool        `json:"success"`
	WorkerID string      `json:"worker_id"`
	Message  string      `json:"message,omitempty"`
}

// StatusUpdate reports the worker's load so the registry can route jobs.
type StatusUpdate struct {
	Type      MessageType  `json:"type"`
	WorkerID  string       `json:"worker_id"`
	AgentName string       `json:"agent_name"`
	Status    WorkerStatus `json:"status"`
	Load      float64      `json:"load"`
	JobCount  int          `json:"job_count"`
}

// AvailabilityRequest asks whether the worker can take a job. The answer
// is advisory; the registry may still assign the job elsewhere.
type AvailabilityRequest struct {
	Type      MessageType     `json:"type"`
	JobID     string          `json:"job_id"`
	JobType   string          `json:"job_type,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	RoomName  string          `json:"room_name,omitempty"`
	AgentName string          `json:"agent_name,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AvailabilityResponse answers an AvailabilityRequest.
type AvailabilityResponse struct {
	Type      MessageType `json:"type"`
	JobID     string      `json:"job_id"`
	Available bool        `json:"available"`
	Token     string      `json:"token,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// JobAssignment hands the worker a job together with the room credentials
// it needs to join.
type JobAssignment struct {
	Type        MessageType     `json:"type"`
	JobID       string          `json:"job_id"`
	RoomID      string          `json:"room_id,omitempty"`
	RoomName    string          `json:"room_name,omitempty"`
	URL         string          `json:"url"`
	Token       string          `json:"token"`
	RoomOptions json.RawMessage `json:"room_options,omitempty"`
}

// JobTermination orders the worker to stop a running job.
type JobTermination struct {
	Type   MessageType `json:"type"`
	JobID  string      `json:"job_id"`
	Reason string      `json:"reason,omitempty"`
}

// JobUpdate reports a job's lifecycle transitions back to the registry.
type JobUpdate struct {
	Type   MessageType `json:"type"`
	JobID  string      `json:"job_id"`
	Status JobStatus   `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// Ping carries a unix-millisecond timestamp the registry echoes back in
// a Pong, giving a round-trip measurement.
type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Pong is the registry's echo of a Ping.
type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// envelope extracts only the discriminator so inbound frames can be routed
// before the full payload is decoded.
type envelope struct {
	Type MessageType `json:"type"`
}

func messageType(data []byte) (MessageType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode message envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("message has no type field")
	}
	return env.Type, nil
}
