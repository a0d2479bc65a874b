package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const launchTimeout = 60 * time.Second

// backend is a running browser process.
type backend interface {
	NewContext(ctx context.Context, withCookies bool) (pageSource, error)
	Close() error
}

// pageSource is a browsing context that hands out job-scoped pages.
type pageSource interface {
	NewPage(ctx context.Context) (pageDriver, error)
}

type launchFunc func(ctx context.Context) (backend, error)

// Session owns the shared browser and its browsing contexts. Both are created
// on first use; concurrent first callers share one launch.
type Session struct {
	launch launchFunc
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	be      backend
	sources map[bool]pageSource
}

func newSession(launch launchFunc, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		launch:  launch,
		logger:  logger,
		sources: map[bool]pageSource{},
	}
}

func (s *Session) source(ctx context.Context, withCookies bool) (pageSource, error) {
	s.mu.Lock()
	src := s.sources[withCookies]
	s.mu.Unlock()
	if src != nil {
		return src, nil
	}

	key := "context:anon"
	if withCookies {
		key = "context:auth"
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		s.mu.Lock()
		if existing := s.sources[withCookies]; existing != nil {
			s.mu.Unlock()
			return existing, nil
		}
		s.mu.Unlock()

		// Concurrent callers share this result, so the first caller's
		// cancellation must not fail it for the others.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), launchTimeout)
		defer cancel()
		be, err := s.backend(sctx)
		if err != nil {
			return nil, err
		}
		src, err := be.NewContext(sctx, withCookies)
		if err != nil {
			return nil, fmt.Errorf("create browsing context: %w", err)
		}
		s.mu.Lock()
		s.sources[withCookies] = src
		s.mu.Unlock()
		return src, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(pageSource), nil
}

func (s *Session) backend(ctx context.Context) (backend, error) {
	s.mu.Lock()
	be := s.be
	s.mu.Unlock()
	if be != nil {
		return be, nil
	}

	v, err, shared := s.group.Do("launch", func() (any, error) {
		s.mu.Lock()
		if s.be != nil {
			be := s.be
			s.mu.Unlock()
			return be, nil
		}
		s.mu.Unlock()

		// One caller's cancellation must not fail the launch for the others.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), launchTimeout)
		defer cancel()
		started := time.Now()
		be, err := s.launch(lctx)
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		s.logger.Info("browser launched", slog.Duration("took", time.Since(started)))
		s.mu.Lock()
		s.be = be
		s.mu.Unlock()
		return be, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("joined in-flight browser launch")
	}
	return v.(backend), nil
}

// invalidate drops the shared browser after it stopped answering so the next
// call relaunches it.
func (s *Session) invalidate() {
	s.mu.Lock()
	be := s.be
	s.be = nil
	s.sources = map[bool]pageSource{}
	s.mu.Unlock()
	if be != nil {
		if err := be.Close(); err != nil {
			s.logger.Debug("close stale browser failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	be := s.be
	s.be = nil
	s.sources = map[bool]pageSource{}
	s.mu.Unlock()
	if be == nil {
		return nil
	}
	return be.Close()
}

func (s *Session) Launched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.be != nil
}
