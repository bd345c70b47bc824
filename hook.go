package twiliofn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Hook observes the server lifecycle.
type Hook struct {
	// Name identifies the hook in logs (required).
	Name string

	// OnInit is called once before the server accepts requests (optional).
	// An error aborts startup.
	OnInit func() error

	// OnInvoke is called for each invocation on the hook's own goroutine
	// (optional). The context carries the invocation deadline.
	OnInvoke func(ctx context.Context, info InvocationInfo)

	// OnShutdown is called once while the server shuts down (optional). The
	// context has a deadline of shutdownHookDeadline.
	OnShutdown func(ctx context.Context)
}

// InvocationInfo describes one invocation to hooks.
type InvocationInfo struct {
	RequestID string
	Function  string
	Deadline  time.Time
}

const (
	shutdownHookDeadline = 500 * time.Millisecond
	hookQueueSize        = 64
)

type hookQueue struct {
	hook Hook
	ch   chan InvocationInfo
}

type hookManager struct {
	hooks  []Hook
	queues []hookQueue
	done   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	stopOnce sync.Once
}

func newHookManager(hooks []Hook, logger *slog.Logger) *hookManager {
	return &hookManager{
		hooks:  hooks,
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (m *hookManager) start() error {
	for _, h := range m.hooks {
		if h.OnInit != nil {
			if err := h.OnInit(); err != nil {
				m.abort()
				return fmt.Errorf("hook %s init failed: %w", h.Name, err)
			}
		}

		if h.OnInvoke == nil {
			continue
		}

		q := hookQueue{hook: h, ch: make(chan InvocationInfo, hookQueueSize)}
		m.queues = append(m.queues, q)
		m.wg.Go(func() { m.eventLoop(q) })
	}
	return nil
}

// dispatch never blocks the invocation: a hook that falls behind loses
// events.
func (m *hookManager) dispatch(ctx context.Context, info InvocationInfo) {
	for _, q := range m.queues {
		select {
		case q.ch <- info:
		default:
			m.logger.ErrorContext(ctx, "hook queue full, dropping invocation event", "hook", q.hook.Name, "requestId", info.RequestID)
		}
	}
}

func (m *hookManager) shutdown() {
	m.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownHookDeadline)
		defer cancel()

		close(m.done)

		for _, h := range m.hooks {
			if h.OnShutdown != nil {
				h.OnShutdown(ctx)
			}
		}

		m.wg.Wait()
	})
}

// abort stops the event loops started so far without running OnShutdown:
// the hooks after the failed one were never initialized.
func (m *hookManager) abort() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

func (m *hookManager) eventLoop(q hookQueue) {
	for {
		select {
		case <-m.done:
			return
		case info := <-q.ch:
			m.invoke(q.hook, info)
		}
	}
}

func (m *hookManager) invoke(h Hook, info InvocationInfo) {
	ctx := context.Background()
	if !info.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, info.Deadline)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "hook panicked", "hook", h.Name, "error", newPanicResponse(r))
		}
	}()

	h.OnInvoke(ctx, info)
}
