package platform

import (
	"context"
	"sync"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/session"
)

// WakeLock hands out in-process wake resources. With a non-zero MaxHold the
// lock is taken back after that long, the way a device reclaims it.
type WakeLock struct {
	MaxHold time.Duration

	mu   sync.Mutex
	held map[*wakeHandle]struct{}
}

func NewWakeLock(maxHold time.Duration) *WakeLock {
	return &WakeLock{MaxHold: maxHold, held: make(map[*wakeHandle]struct{})}
}

func (w *WakeLock) Acquire(context.Context) (session.WakeResource, error) {
	h := &wakeHandle{owner: w, released: make(chan struct{})}
	w.mu.Lock()
	w.held[h] = struct{}{}
	w.mu.Unlock()
	if w.MaxHold > 0 {
		time.AfterFunc(w.MaxHold, w.revoker(h))
	}
	return h, nil
}

// Held reports how many resources are outstanding.
func (w *WakeLock) Held() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.held)
}

// RevokeAll takes back every outstanding resource.
func (w *WakeLock) RevokeAll() {
	w.mu.Lock()
	handles := make([]*wakeHandle, 0, len(w.held))
	for h := range w.held {
		handles = append(handles, h)
	}
	w.mu.Unlock()
	for _, h := range handles {
		w.revoker(h)()
	}
}

func (w *WakeLock) revoker(h *wakeHandle) func() {
	return func() {
		if h.drop() {
			close(h.released)
		}
	}
}

type wakeHandle struct {
	owner    *WakeLock
	released chan struct{}
	once     sync.Once
}

// drop removes the handle from its owner; only the first call reports true.
func (h *wakeHandle) drop() bool {
	dropped := false
	h.once.Do(func() {
		h.owner.mu.Lock()
		delete(h.owner.held, h)
		h.owner.mu.Unlock()
		dropped = true
	})
	return dropped
}

func (h *wakeHandle) Release(context.Context) error {
	h.drop()
	return nil
}

func (h *wakeHandle) Released() <-chan struct{} { return h.released }
