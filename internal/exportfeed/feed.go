// Package exportfeed tracks collection-export jobs reported on the export
// topic.
package exportfeed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zsprackett/execwatch/internal/events"
	"github.com/zsprackett/execwatch/internal/execution"
	"github.com/zsprackett/execwatch/internal/wsclient"
)

// DefaultTTL is how long a finished job stays listed after its last update.
const DefaultTTL = 30 * time.Second

type Result struct {
	CollectionID   string              `json:"collectionId"`
	CollectionName string              `json:"collectionName"`
	DownloadURL    string              `json:"downloadUrl,omitempty"`
	FileSizeBytes  int64               `json:"fileSizeBytes,omitempty"`
	DocumentCount  int                 `json:"documentCount,omitempty"`
	ExpiresAt      execution.Timestamp `json:"expiresAt,omitzero"`
}

type Job struct {
	JobID              string              `json:"jobId"`
	TeamID             string              `json:"teamId,omitempty"`
	ExportedBy         string              `json:"exportedBy,omitempty"`
	Status             string              `json:"status"`
	TotalDocuments     int                 `json:"totalDocuments"`
	ProcessedDocuments int                 `json:"processedDocuments"`
	TotalFiles         int                 `json:"totalFiles"`
	ProcessedFiles     int                 `json:"processedFiles"`
	ExportResults      []Result            `json:"exportResults,omitempty"`
	ErrorMessage       string              `json:"errorMessage,omitempty"`
	QueuedAt           execution.Timestamp `json:"queuedAt,omitzero"`
	StartedAt          execution.Timestamp `json:"startedAt,omitzero"`
	CompletedAt        execution.Timestamp `json:"completedAt,omitzero"`
	LastUpdated        time.Time           `json:"lastUpdated"`
}

// Finished reports whether the job reached a terminal status.
func (j Job) Finished() bool {
	switch strings.ToUpper(j.Status) {
	case "COMPLETED", "FAILED", "CANCELLED":
		return true
	}
	return false
}

// Progress returns processed documents as a percentage of the total.
func (j Job) Progress() float64 {
	if j.TotalDocuments == 0 {
		return 0
	}
	return float64(j.ProcessedDocuments) / float64(j.TotalDocuments) * 100
}

// Feed merges partial job updates by job id. Fields absent from an update
// keep their previous values.
type Feed struct {
	mu          sync.Mutex
	jobs        map[string]Job
	ttl         time.Duration
	now         func() time.Time
	broadcaster events.Broadcaster
	logger      *slog.Logger
}

func New(ttl time.Duration, broadcaster events.Broadcaster, logger *slog.Logger) *Feed {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		jobs:        make(map[string]Job),
		ttl:         ttl,
		now:         time.Now,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

func (f *Feed) SetNow(fn func() time.Time) {
	f.mu.Lock()
	f.now = fn
	f.mu.Unlock()
}

// HandleMessage applies one export update. It has the wsclient.Handler
// signature.
func (f *Feed) HandleMessage(msg wsclient.Message) {
	job, err := f.apply(msg.Payload)
	if err != nil {
		f.logger.Debug("exportfeed: ignoring message", "message_id", msg.MessageID, "err", err)
		return
	}
	events.Publish(f.broadcaster, events.Event{
		Type:  events.TypeExportUpdated,
		JobID: job.JobID,
		At:    job.LastUpdated,
	})
}

func (f *Feed) apply(payload []byte) (Job, error) {
	var probe struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return Job{}, fmt.Errorf("decode export update: %w", err)
	}
	if probe.JobID == "" {
		return Job{}, fmt.Errorf("export update without jobId")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[probe.JobID]
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("decode export update: %w", err)
	}
	job.LastUpdated = f.now()
	f.jobs[job.JobID] = job
	return job, nil
}

// Jobs returns the listed jobs, newest update first, dropping finished jobs
// older than the TTL.
func (f *Feed) Jobs() []Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	out := make([]Job, 0, len(f.jobs))
	for id, j := range f.jobs {
		if j.Finished() && now.Sub(j.LastUpdated) > f.ttl {
			delete(f.jobs, id)
			continue
		}
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b Job) int {
		if c := b.LastUpdated.Compare(a.LastUpdated); c != 0 {
			return c
		}
		return strings.Compare(a.JobID, b.JobID)
	})
	return out
}
