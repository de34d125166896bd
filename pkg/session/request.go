package session

import (
	"context"
	"time"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
)

// Request sends a typed request through a and decodes the response into T.
func Request[T any](ctx context.Context, a dmtp.Actor, topic string, payload any, timeout time.Duration) (*T, error) {
	var resp T
	if err := a.Request(ctx, topic, payload, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}
