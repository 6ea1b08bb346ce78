// Package task defines the envelope placed on the pipeline queues and the
// error classification shared by every stage.
package task

import (
	"encoding/json"
	"time"
)

// Queue sources. Each stage stamps its name so retries land back on the
// right queue.
const (
	SourceDiscovery = "discovery"
	SourceDownload  = "download"
	SourceFileScan  = "file_discovery"
)

// Task is a unit of work flowing between pipeline stages. It is serialized
// to JSON and stored as a sorted-set member, so the envelope itself must
// stay self-contained: stages share article ids, never live objects.
type Task struct {
	ID           string `json:"id"`
	URL          string `json:"url,omitempty"`
	Title        string `json:"title,omitempty"`
	MPName       string `json:"mp_name,omitempty"`
	MPID         string `json:"mp_id,omitempty"`
	PublishTime  int64  `json:"publish_time,omitempty"`
	Priority     int    `json:"priority"`
	RetryCount   int    `json:"retry_count"`
	CreatedAt    string `json:"created_at"`
	Source       string `json:"source"`
	HTMLFilePath string `json:"html_file_path,omitempty"`

	// Set when the task passes through the deadletter path.
	ErrorMessage string `json:"error_message,omitempty"`
	FailedAt     string `json:"failed_at,omitempty"`
	LastRetryAt  string `json:"last_retry_at,omitempty"`
}

// New builds a fresh envelope for an article.
func New(id, url, title, mpName, mpID string, priority int, source string) *Task {
	return &Task{
		ID:        id,
		URL:       url,
		Title:     title,
		MPName:    mpName,
		MPID:      mpID,
		Priority:  priority,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Source:    source,
	}
}

// Marshal serializes the envelope for queue storage.
func (t *Task) Marshal() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal decodes a queue member back into an envelope.
func Unmarshal(raw string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Score computes the dispatch score for a new task: higher priority sorts
// earlier because pop takes the minimum score.
func Score(now time.Time, priority int) float64 {
	return float64(now.Unix()) - float64(priority)*1000
}

// Backoff returns the retry delay for the nth retry, capped at one hour.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 6 {
		// 60 * 2^6 already exceeds the cap.
		return time.Hour
	}
	d := 60 * time.Second * (1 << uint(retryCount))
	if d > time.Hour {
		return time.Hour
	}
	return d
}

// RetryScore computes the eligibility score of a retried task: the task
// stays invisible to pop until the backoff window has passed.
func RetryScore(now time.Time, retryCount int) float64 {
	return float64(now.Add(Backoff(retryCount)).Unix())
}
