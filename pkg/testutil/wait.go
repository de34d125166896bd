package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
)

// Registry is the part of a service the wait helpers poll.
type Registry interface {
	Lookup(id string) (dmtp.SessionClient, error)
	Online() []dmtp.SessionClient
}

// WaitForSession waits until id is online in reg.
func WaitForSession(t *testing.T, reg Registry, id string, timeout time.Duration) (dmtp.SessionClient, error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sc, err := reg.Lookup(id); err == nil {
			return sc, nil
		}
		time.Sleep(10 * time.Millisecond)
	}

	var online []string
	for _, sc := range reg.Online() {
		online = append(online, sc.ID())
	}
	t.Logf("WaitForSession: %s not found. Online: %v", id, online)
	return nil, fmt.Errorf("session %s did not come online within %v", id, timeout)
}

// WaitForSessionGone waits until id is no longer registered.
func WaitForSessionGone(t *testing.T, reg Registry, id string, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, "session "+id+" gone", timeout, func() bool {
		_, err := reg.Lookup(id)
		return err != nil
	})
}

// WaitFor polls condition until it holds or timeout passes.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return WaitForWithContext(ctx, t, description, condition)
}

// WaitForWithContext polls condition until it holds or ctx is done.
func WaitForWithContext(ctx context.Context, t *testing.T, description string, condition func() bool) error {
	t.Helper()
	if condition() {
		return nil
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("condition '%s' not met: %w", description, ctx.Err())
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
