package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/inviso/scenesync/internal/dispatcher"
	"github.com/inviso/scenesync/internal/resource"
	"github.com/inviso/scenesync/internal/storage"
)

func (s *Session) handleStore(e dispatcher.Event) error {
	ev, ok := e.Payload.(storage.Event)
	if !ok {
		return fmt.Errorf("store event: unexpected payload %T", e.Payload)
	}
	if _, err := s.engine.Handle(ev); err != nil {
		// reconciliation failures are silent to the user
		s.logger.Debug("store event rejected", "collection", ev.Collection, "key", ev.Key, "error", err)
	}
	return nil
}

func (s *Session) handleFetch(e dispatcher.Event) error {
	res, ok := e.Payload.(resource.Result)
	if !ok {
		return fmt.Errorf("fetch event: unexpected payload %T", e.Payload)
	}
	_, err := s.engine.ApplyFetch(context.Background(), res)
	if err != nil && errors.Is(err, resource.ErrFetchFailed) {
		s.notify.Notify(Notice{Kind: FetchFailed, Entity: res.Target.Entity, Err: err})
		return nil
	}
	return err
}

func (s *Session) handleTick(dispatcher.Event) error {
	s.Tick()
	return nil
}

func (s *Session) handleCall(e dispatcher.Event) error {
	fn, ok := e.Payload.(func() error)
	if !ok {
		return fmt.Errorf("call event: unexpected payload %T", e.Payload)
	}
	return fn()
}
