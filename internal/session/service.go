package session

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"playback-coordinator/internal/platform/logger"
)

// Service creates sessions with a shared Config and routes calls to them by ID.
type Service struct {
	repo Repository
	cfg  Config
	log  *slog.Logger
}

// NewService returns a Service storing sessions in repo.
func NewService(repo Repository, cfg Config) *Service {
	log := logger.OrDiscard(cfg.Logger)
	return &Service{repo: repo, cfg: cfg, log: log}
}

// Create starts a new session.
func (s *Service) Create(opts Options) (*Session, error) {
	sess := New(ID(uuid.NewString()), opts, s.cfg)
	if err := s.repo.Add(sess); err != nil {
		sess.Close()
		return nil, err
	}
	s.updateGauge()
	return sess, nil
}

// Get returns the session with the given ID or ErrNotFound.
func (s *Service) Get(id ID) (*Session, error) {
	sess, ok := s.repo.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Status returns a snapshot of the session.
func (s *Service) Status(ctx context.Context, id ID) (Status, error) {
	sess, err := s.Get(id)
	if err != nil {
		return Status{}, err
	}
	return sess.Status(ctx)
}

// DrainRequests hands the session's pending range requests to the caller.
func (s *Service) DrainRequests(ctx context.Context, id ID) ([]RangeRequest, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.DrainRequests(ctx)
}

// AddStream feeds body into the session as the stream starting at offset and
// waits for it to end.
func (s *Service) AddStream(ctx context.Context, id ID, offset float64, body io.Reader) (StreamResult, error) {
	sess, err := s.Get(id)
	if err != nil {
		return StreamResult{}, err
	}
	return sess.AddStream(ctx, offset, body)
}

// Seek starts a seek in the session.
func (s *Service) Seek(ctx context.Context, id ID, req SeekRequest) (SeekStatus, error) {
	sess, err := s.Get(id)
	if err != nil {
		return SeekStatus{}, err
	}
	return sess.Seek(ctx, req)
}

// Play resumes playback.
func (s *Service) Play(ctx context.Context, id ID) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	return sess.Play(ctx)
}

// Pause pauses playback.
func (s *Service) Pause(ctx context.Context, id ID) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	return sess.Pause(ctx)
}

// ReplaceSource starts a new source in the session and returns its generation.
func (s *Service) ReplaceSource(ctx context.Context, id ID, opts Options) (int, error) {
	sess, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	return sess.ReplaceSource(ctx, opts)
}

// Close stops and forgets the session. Closing an unknown session returns
// ErrNotFound.
func (s *Service) Close(id ID) error {
	sess, ok := s.repo.Remove(id)
	if !ok {
		return ErrNotFound
	}
	sess.Close()
	s.updateGauge()
	return nil
}

// Shutdown closes every session concurrently and waits for them to stop.
func (s *Service) Shutdown() {
	sessions := s.repo.RemoveAll()
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			sess.Close()
		}(sess)
	}
	wg.Wait()
	s.updateGauge()
	if len(sessions) > 0 {
		s.log.Info("sessions closed", slog.Int("count", len(sessions)))
	}
}

// ActiveSessionCount returns the number of live sessions.
func (s *Service) ActiveSessionCount() int {
	return s.repo.ActiveSessionCount()
}

func (s *Service) updateGauge() {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetActiveSessions(s.repo.ActiveSessionCount())
	}
}
