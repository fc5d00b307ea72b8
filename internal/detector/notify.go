package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	domainerrors "flowlens/internal/errors"
	"flowlens/internal/store"
)

// ListenFunc opens a change-notification subscription.
type ListenFunc func(ctx context.Context) (store.Listener, error)

// NotifySource discovers mutations through store notifications. Because
// notifications are not durable across a detector outage, it also runs a
// low-frequency safety scan that re-discovers anything the channel missed.
type NotifySource struct {
	store          store.Store
	handler        Handler
	listen         ListenFunc
	safetyInterval time.Duration
	reconnectDelay time.Duration
	logger         *slog.Logger
}

// NewNotifySource creates a push-mode change source.
func NewNotifySource(st store.Store, h Handler, listen ListenFunc, safetyInterval time.Duration, logger *slog.Logger) *NotifySource {
	return &NotifySource{
		store:          st,
		handler:        h,
		listen:         listen,
		safetyInterval: safetyInterval,
		reconnectDelay: 5 * time.Second,
		logger:         logger,
	}
}

// Run listens for notifications and runs the safety scan until ctx is done.
func (s *NotifySource) Run(ctx context.Context) error {
	s.logger.Info("Starting notify change source", "safety_interval", s.safetyInterval.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fallback := NewPollingSource(s.store, s.handler, s.safetyInterval, s.logger.With("role", "safety_scan"))
		return fallback.Run(gctx)
	})
	g.Go(func() error {
		s.listenLoop(gctx)
		return nil
	})
	return g.Wait()
}

// listenLoop keeps a subscription alive, reconnecting after failures.
func (s *NotifySource) listenLoop(ctx context.Context) {
	for ctx.Err() == nil {
		listener, err := s.listen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to open notification listener, retrying", "error", err, "delay", s.reconnectDelay.String())
			s.sleep(ctx)
			continue
		}
		s.receive(ctx, listener)

		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := listener.Close(closeCtx); err != nil {
			s.logger.Debug("Listener close failed", "error", err)
		}
		cancel()

		if ctx.Err() == nil {
			s.logger.Warn("Notification listener lost, reconnecting", "delay", s.reconnectDelay.String())
			s.sleep(ctx)
		}
	}
}

// receive consumes notifications until the listener fails or ctx is done.
func (s *NotifySource) receive(ctx context.Context, listener store.Listener) {
	for {
		payload, err := listener.Wait(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("Waiting for notification failed", "error", err)
			}
			return
		}
		if err := s.handleNotification(ctx, payload); err != nil {
			s.logger.Error("Failed to handle notification, safety scan will retry", "payload", payload, "error", err)
		}
	}
}

// handleNotification fetches the single notified row, claims it, and hands
// it downstream.
func (s *NotifySource) handleNotification(ctx context.Context, payload string) error {
	kind, id, err := parseNotification(payload)
	if err != nil {
		return err
	}
	m, err := s.store.MutationByID(ctx, kind, id)
	if errors.Is(err, domainerrors.ErrNotFound) {
		s.logger.Debug("Notified row no longer exists", "kind", kind, "id", id)
		return nil
	}
	if err != nil {
		return err
	}

	result, err := claim(ctx, s.store, m)
	switch result {
	case StoreError:
		return err
	case AlreadyProcessed:
		s.logger.Debug("Notified mutation claimed elsewhere", "kind", m.Kind, "id", m.ID)
		return nil
	}
	return s.handler.HandleMutation(ctx, m)
}

func (s *NotifySource) sleep(ctx context.Context) {
	select {
	case <-time.After(s.reconnectDelay):
	case <-ctx.Done():
	}
}

// parseNotification splits a "<table>:<uuid>" payload.
func parseNotification(payload string) (store.MutationKind, uuid.UUID, error) {
	table, rawID, ok := strings.Cut(payload, ":")
	if !ok {
		return "", uuid.Nil, fmt.Errorf("malformed notification payload %q", payload)
	}
	kind := store.MutationKind(table)
	if !kind.Valid() {
		return "", uuid.Nil, fmt.Errorf("notification for unknown table %q", table)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("notification with bad row id %q: %w", rawID, err)
	}
	return kind, id, nil
}
