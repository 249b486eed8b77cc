package skills

import "sync"

// LikeAttempt is what like_nth_comment remembers for a later verification.
type LikeAttempt struct {
	Ordinal     int
	X, Y        int
	CountBefore *int
}

// LikeLedger holds the last like attempt per ordinal for one device. It lives
// as long as the device connection that owns it.
type LikeLedger struct {
	mu       sync.Mutex
	attempts map[int]LikeAttempt
}

func NewLikeLedger() *LikeLedger {
	return &LikeLedger{attempts: map[int]LikeAttempt{}}
}

func (l *LikeLedger) Record(a LikeAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[a.Ordinal] = a
}

func (l *LikeLedger) Get(ordinal int) (LikeAttempt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attempts[ordinal]
	return a, ok
}

func (l *LikeLedger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = map[int]LikeAttempt{}
}
