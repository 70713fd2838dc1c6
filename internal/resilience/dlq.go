package resilience

import (
	"time"

	"github.com/sells-group/signal-engine/internal/model"
)

// DLQEntry represents a failed hop that can be re-executed later.
type DLQEntry struct {
	ID           string    `json:"id"`
	EntityID     string    `json:"entity_id"`
	Hop          model.Hop `json:"hop"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	CostSpent    float64   `json:"cost_spent"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
