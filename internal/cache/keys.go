package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatusTTL bounds how stale a cached job status can get if a writer
// dies before updating it.
const JobStatusTTL = 30 * time.Minute

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
