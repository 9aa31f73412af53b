package locks

import "context"

// WithLock acquires req, runs fn and releases the grant afterwards, even
// when fn panics. The grant may already have been reaped if fn outlives its
// TTL; the release is then a no-op.
func WithLock(ctx context.Context, m *Manager, req Request, fn func(ctx context.Context, h Handle) error) error {
	h, err := m.Acquire(ctx, req)
	if err != nil {
		return err
	}
	defer m.ReleaseHandle(h)
	return fn(ctx, h)
}
