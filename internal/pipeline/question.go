package pipeline

import (
	"log"
	"sync"
	"time"
)

const DefaultQuestionExpiry = 300 * time.Second

// QuestionRegistry holds the single active user question. At most one
// question is active process-wide; binding to an inference consumes it
// atomically, so the same question can never be dispatched twice.
type QuestionRegistry struct {
	mu     sync.Mutex
	text   string
	setAt  time.Time
	expiry time.Duration
}

// NewQuestionRegistry creates a registry with the given expiry window.
func NewQuestionRegistry(expiry time.Duration) *QuestionRegistry {
	if expiry <= 0 {
		expiry = DefaultQuestionExpiry
	}
	return &QuestionRegistry{expiry: expiry}
}

// Set replaces the active question with a fresh timestamp.
func (r *QuestionRegistry) Set(question string) {
	r.mu.Lock()
	r.text = question
	r.setAt = time.Now()
	r.mu.Unlock()

	log.Printf("[Question] Received user question: %q", question)
}

// Current returns the active question without consuming it. Expired
// questions are cleared lazily.
func (r *QuestionRegistry) Current() (string, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.text == "" {
		return "", time.Time{}, false
	}
	if r.expiredLocked() {
		r.text = ""
		r.setAt = time.Time{}
		return "", time.Time{}, false
	}
	return r.text, r.setAt, true
}

// Take consumes the active question. The clear happens under the same lock
// as the read, which is what makes the at-most-one binding atomic.
func (r *QuestionRegistry) Take() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.text == "" || r.expiredLocked() {
		r.text = ""
		r.setAt = time.Time{}
		return "", false
	}
	q := r.text
	r.text = ""
	r.setAt = time.Time{}
	return q, true
}

// Clear drops the active question and returns what was cleared.
func (r *QuestionRegistry) Clear() string {
	r.mu.Lock()
	old := r.text
	r.text = ""
	r.setAt = time.Time{}
	r.mu.Unlock()

	if old != "" {
		log.Printf("[Question] Cleared question: %q", old)
	}
	return old
}

// Expiry returns the configured expiry window.
func (r *QuestionRegistry) Expiry() time.Duration {
	return r.expiry
}

func (r *QuestionRegistry) expiredLocked() bool {
	return time.Since(r.setAt) > r.expiry
}
