package adapters

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
)

// FakeSession is an automation session that only tracks whether it was
// closed. Used by tests and the mock adapter mode.
type FakeSession struct {
	closed atomic.Bool
}

func (s *FakeSession) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

func (s *FakeSession) Closed() bool {
	return s.closed.Load()
}

// FakeSessionFactory launches FakeSessions and remembers them so tests can
// assert every launched session was torn down.
type FakeSessionFactory struct {
	mu        sync.Mutex
	Sessions  []*FakeSession
	LaunchErr error
}

func (f *FakeSessionFactory) Launch(ctx context.Context, opts Options) (Session, error) {
	if f.LaunchErr != nil {
		return nil, f.LaunchErr
	}
	s := &FakeSession{}
	f.mu.Lock()
	f.Sessions = append(f.Sessions, s)
	f.mu.Unlock()
	return s, nil
}

// AllClosed reports whether every launched session has been closed.
func (f *FakeSessionFactory) AllClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.Sessions {
		if !s.Closed() {
			return false
		}
	}
	return true
}

// FakeAdapter is a scripted adapter: each Login/Publish call pops the next
// scripted outcome, falling back to success when the script is exhausted.
// Sleep, when set, is applied inside Publish so tests can exercise the
// timeout race with a slow or never-finishing publish.
type FakeAdapter struct {
	Platform string
	Sleep    time.Duration
	// Block, when set, makes Publish wait until the channel is closed,
	// ignoring context cancellation, like automation that cannot be
	// interrupted mid-step.
	Block chan struct{}

	mu            sync.Mutex
	LoginScript   []error
	PublishScript []error
	LoginCalls    int
	PublishCalls  int
}

func (f *FakeAdapter) Name() string {
	if f.Platform == "" {
		return "fake"
	}
	return f.Platform
}

func (f *FakeAdapter) Login(ctx context.Context, session Session, creds Credentials) (bool, error) {
	f.mu.Lock()
	f.LoginCalls++
	err := popScript(&f.LoginScript)
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *FakeAdapter) Publish(ctx context.Context, session Session, article models.Article, cfg models.TaskConfig) (bool, error) {
	f.mu.Lock()
	f.PublishCalls++
	err := popScript(&f.PublishScript)
	f.mu.Unlock()

	if f.Block != nil {
		<-f.Block
	}
	if f.Sleep > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(f.Sleep):
		}
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func popScript(script *[]error) error {
	if len(*script) == 0 {
		return nil
	}
	err := (*script)[0]
	*script = (*script)[1:]
	return err
}

// StaticCredentials returns the same credentials for every account.
type StaticCredentials struct {
	Creds Credentials
	Err   error
}

func (s StaticCredentials) Credentials(ctx context.Context, accountID int64) (Credentials, error) {
	if s.Err != nil {
		return Credentials{}, s.Err
	}
	return s.Creds, nil
}
