package tools

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one line of the audit log. Only the names of argument keys
// are recorded, never their values, so secrets and file contents cannot
// leak into the log.
type AuditEntry struct {
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Tool      string   `json:"tool"`
	Success   bool     `json:"success"`
	ArgKeys   []string `json:"arg_keys"`
}

// AuditLog appends JSON lines to a file, one per tool execution attempt.
type AuditLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewAuditLog creates an AuditLog writing to path.
func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path, now: time.Now}
}

// Append writes one audit entry.
func (a *AuditLog) Append(tool string, args map[string]any, success bool) error {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: a.now().UTC().Format(time.RFC3339),
		Tool:      tool,
		Success:   success,
		ArgKeys:   keys,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //#nosec G304 -- configured audit path
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck // close error on append-only log is ignorable

	_, err = file.Write(line)
	return err
}
