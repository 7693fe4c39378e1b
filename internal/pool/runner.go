package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// IPC frame types between a process executor and its runner child. The
// protocol is line-delimited JSON over stdin/stdout: task enqueue,
// result dequeue, and a ping/pong health frame.
const (
	ipcTask   = "task"
	ipcPing   = "ping"
	ipcReady  = "ready"
	ipcResult = "result"
	ipcPong   = "pong"
)

type ipcRequest struct {
	Type       string          `json:"type"`
	TaskID     string          `json:"task_id,omitempty"`
	Entrypoint string          `json:"entrypoint,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	TimeoutMs  int64           `json:"timeout_ms,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

type ipcResponse struct {
	Type            string          `json:"type"`
	TaskID          string          `json:"task_id,omitempty"`
	Status          TaskStatus      `json:"status,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms,omitempty"`
	Timestamp       int64           `json:"timestamp,omitempty"`
}

// RunnerMain is the child side of a process executor: it announces
// readiness, then answers task and ping frames on in with result and
// pong frames on out until in closes. Parent and child run the same
// binary, so every RegisterTask entrypoint resolves here too.
func RunnerMain(in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	if err := enc.Encode(&ipcResponse{Type: ipcReady}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}

	dec := json.NewDecoder(in)
	for {
		var req ipcRequest
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode runner frame: %w", err)
		}

		switch req.Type {
		case ipcTask:
			res := runTask(context.Background(), req.TaskID, req.Entrypoint, req.Args,
				time.Duration(req.TimeoutMs)*time.Millisecond)
			resp := &ipcResponse{
				Type:            ipcResult,
				TaskID:          res.TaskID,
				Status:          res.Status,
				Result:          res.Result,
				Error:           res.Error,
				ExecutionTimeMs: res.ExecutionTime.Milliseconds(),
			}
			if err := enc.Encode(resp); err != nil {
				return fmt.Errorf("write task result: %w", err)
			}

		case ipcPing:
			if err := enc.Encode(&ipcResponse{Type: ipcPong, Timestamp: req.Timestamp}); err != nil {
				return fmt.Errorf("write pong: %w", err)
			}

		default:
			// Unknown frames are skipped so protocol additions stay
			// compatible with older runners.
		}
	}
}
