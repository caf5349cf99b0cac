package services

import (
	"sync"
	"time"

	"github.com/imyashkale/mcporchestrator/internal/models"
)

const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"

	LogSizeLimit = 300 * 1024 // stays under the DynamoDB item limit with the rest of the report
)

// CycleLogger collects the events of one reconciliation cycle so they can be
// stored with its report
type CycleLogger struct {
	logs []models.CycleLogEntry
	mu   sync.Mutex
	now  func() time.Time
}

// NewCycleLogger creates an empty cycle logger
func NewCycleLogger() *CycleLogger {
	return &CycleLogger{
		logs: make([]models.CycleLogEntry, 0),
		now:  time.Now,
	}
}

// LogInfo logs an info level message
func (cl *CycleLogger) LogInfo(phase, message string) {
	cl.log(phase, LevelInfo, message)
}

// LogWarning logs a warning level message
func (cl *CycleLogger) LogWarning(phase, message string) {
	cl.log(phase, LevelWarning, message)
}

// LogError logs an error level message
func (cl *CycleLogger) LogError(phase, message string) {
	cl.log(phase, LevelError, message)
}

func (cl *CycleLogger) log(phase, level, message string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.logs = append(cl.logs, models.CycleLogEntry{
		Timestamp: cl.now(),
		Phase:     phase,
		Level:     level,
		Message:   message,
	})
}

// GetLogs returns all logged entries
func (cl *CycleLogger) GetLogs() []models.CycleLogEntry {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	logsCopy := make([]models.CycleLogEntry, len(cl.logs))
	copy(logsCopy, cl.logs)
	return logsCopy
}

// GetLogsWithSizeLimit returns logs but truncates if they exceed the size limit
func (cl *CycleLogger) GetLogsWithSizeLimit() []models.CycleLogEntry {
	logs := cl.GetLogs()

	var totalSize int
	var result []models.CycleLogEntry

	for _, entry := range logs {
		// timestamp (25) + phase (30) + level (10) + message + overhead (50)
		entrySize := 115 + len(entry.Message)
		if totalSize+entrySize > LogSizeLimit {
			result = append(result, models.CycleLogEntry{
				Timestamp: cl.now(),
				Phase:     "report",
				Level:     LevelWarning,
				Message:   "Cycle log exceeded size limit. Later entries truncated.",
			})
			break
		}
		result = append(result, entry)
		totalSize += entrySize
	}

	return result
}
