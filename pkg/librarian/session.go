package librarian

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Storer is the slice of the client a session needs. Satisfied by
// *Client; tests substitute fakes.
type Storer interface {
	Store(ctx context.Context, filename string, size int64, r io.Reader, contentType string, restricted bool) (FileRef, error)
	Delete(ctx context.Context, ref FileRef) error
}

// Stored pairs a filename with the reference the store issued for it.
type Stored struct {
	Filename    string
	Ref         FileRef
	Size        int64
	ContentType string
}

// Session accumulates artifact uploads for one job so they can be
// committed or rolled back as a unit. A partial failure mid-bundle must
// never leave a half-attached set behind.
type Session struct {
	store      Storer
	restricted bool
	attempts   int
	backoff    time.Duration

	stored []Stored
	sealed bool
}

// NewSession opens a transactional attach session. Transient store
// faults are retried up to attempts times with linear backoff.
func NewSession(store Storer, restricted bool) *Session {
	return &Session{
		store:      store,
		restricted: restricted,
		attempts:   3,
		backoff:    2 * time.Second,
	}
}

// WithRetry overrides the retry policy; tests shrink it.
func (s *Session) WithRetry(attempts int, backoff time.Duration) *Session {
	if attempts > 0 {
		s.attempts = attempts
	}
	s.backoff = backoff
	return s
}

// Store uploads one artifact into the session. On error nothing was
// attached for this call; previously attached artifacts stay pending
// until Commit or Rollback.
func (s *Session) Store(ctx context.Context, filename string, size int64, open func() (io.ReadCloser, error), contentType string) (Stored, error) {
	if s.sealed {
		return Stored{}, errors.New("session already sealed")
	}

	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Stored{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * s.backoff):
			}
		}

		r, err := open()
		if err != nil {
			return Stored{}, fmt.Errorf("open %s: %w", filename, err)
		}
		ref, err := s.store.Store(ctx, filename, size, r, contentType, s.restricted)
		_ = r.Close()
		if err == nil {
			item := Stored{Filename: filename, Ref: ref, Size: size, ContentType: contentType}
			s.stored = append(s.stored, item)
			return item, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnavailable) {
			break
		}
	}
	return Stored{}, lastErr
}

// Rollback deletes everything the session attached so far. Deletion
// failures are collected, not fatal: the store garbage-collects
// unreferenced files eventually, and rollback must not mask the
// original fault.
func (s *Session) Rollback(ctx context.Context) error {
	s.sealed = true
	var errs []error
	for _, item := range s.stored {
		if err := s.store.Delete(ctx, item.Ref); err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", item.Filename, err))
		}
	}
	s.stored = nil
	return errors.Join(errs...)
}

// Commit seals the session and returns the attached set.
func (s *Session) Commit() []Stored {
	s.sealed = true
	return s.stored
}
