package bpmn

import (
	"context"
	"sync"

	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
)

// InstanceLocker serializes operations on a process instance. LockInstance
// never waits: a lock held elsewhere fails with zenerr.ErrInstanceBusy.
type InstanceLocker interface {
	LockInstance(ctx context.Context, instanceId string) (InstanceLock, error)
}

type InstanceLock interface {
	// Renew extends the lock. An error means the lock may have been taken
	// over and nothing must be written under it.
	Renew(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// LocalLocker is an InstanceLocker for a single engine process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held: map[string]struct{}{},
	}
}

func (l *LocalLocker) LockInstance(ctx context.Context, instanceId string) (InstanceLock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[instanceId]; ok {
		return nil, zenerr.ErrInstanceBusy.With("process instance is locked by another operation", "instanceId", instanceId)
	}
	l.held[instanceId] = struct{}{}
	return &localLock{locker: l, instanceId: instanceId}, nil
}

type localLock struct {
	locker     *LocalLocker
	instanceId string
	once       sync.Once
}

func (l *localLock) Renew(ctx context.Context) error {
	return nil
}

func (l *localLock) Unlock(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		defer l.locker.mu.Unlock()
		delete(l.locker.held, l.instanceId)
	})
	return nil
}
