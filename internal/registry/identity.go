package registry

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Worker ids assigned by a registry are remembered per agent for the
// lifetime of the process, so every reconnect registers under the same
// identity instead of spawning a fresh worker record on each drop.
var identityStore = struct {
	mu  sync.Mutex
	ids map[string]string
}{ids: make(map[string]string)}

func storedWorkerID(agentID string) string {
	key := sanitizeAgentID(agentID)
	identityStore.mu.Lock()
	defer identityStore.mu.Unlock()
	return identityStore.ids[key]
}

func rememberWorkerID(agentID, workerID string) {
	if workerID == "" {
		return
	}
	key := sanitizeAgentID(agentID)
	identityStore.mu.Lock()
	defer identityStore.mu.Unlock()
	identityStore.ids[key] = workerID
}

// sanitizeAgentID normalizes an agent name into a stable store key:
// lowercased, with anything outside [a-z0-9._-] collapsed to '-'.
func sanitizeAgentID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range strings.ToLower(strings.TrimSpace(id)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// fallbackWorkerID covers registries that ack without assigning an id.
func fallbackWorkerID() string {
	return "wk_" + uuid.NewString()
}
