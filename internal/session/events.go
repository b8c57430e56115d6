package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/connectus/chat-session/internal/metrics"
	"github.com/connectus/chat-session/internal/transport"
)

// errRetriesExhausted is the cause attached to retries_exhausted when the
// transport gave up without a more specific error.
var errRetriesExhausted = errors.New("session: reconnect attempts exhausted")

// handleEvent applies one inbound transport event. Events from connections
// this session already replaced are ignored.
func (s *Session) handleEvent(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, stale := s.retired[ev.ConnID]; stale {
		return
	}

	switch ev.Type {
	case transport.EventMessage:
		s.applyConfirmed(ev.Message.ToChat(s.rooms.ActiveID()), true)

	case transport.EventPresenceCount:
		s.presence.SetCount(ev.Count)
		metrics.OnlineUsers.Set(float64(s.presence.Count()))

	case transport.EventModeration:
		if err := s.ledger.ApplyModerationFlag(ev.Verdict.MessageID, ev.Verdict.Flagged); err != nil {
			log.Printf("[session] moderation verdict for %q: %v", ev.Verdict.MessageID, err)
			return
		}
		if ev.Verdict.Flagged {
			metrics.MessagesTotal.WithLabelValues("flagged").Inc()
		}

	case transport.EventConnectionLost:
		s.onLost(ev)

	case transport.EventConnectionRestored:
		s.onRestored(ev)
	}
}

// onLost caller holds s.mu. A connection still being dialed can report its
// loss before it is adopted; that event is kept for takeEarlyLoss.
func (s *Session) onLost(ev transport.Event) {
	adopted := s.conn != nil && ev.ConnID == s.conn.ID()
	switch s.machine.Phase() {
	case Connecting:
		s.lostEarly[ev.ConnID] = ev
		return

	case Connected:
		if !adopted {
			return
		}
		s.fire(TriggerDropped, ev.Err, 0)

	case Reconnecting:
		if !adopted {
			if s.conn == nil {
				s.lostEarly[ev.ConnID] = ev
			}
			return
		}
		// Only a resuming connection reports while it is already down.
		if !ev.Terminal {
			return
		}

	default:
		return
	}

	conn := s.conn
	if ev.Terminal {
		s.giveUp(ev.Err, 0)
		return
	}
	if conn != nil && transport.Resumes(conn) {
		log.Printf("[session] id=%s waiting for conn=%s to resume", s.id, conn.ID())
		return
	}

	if conn != nil {
		s.retired[conn.ID()] = struct{}{}
		s.conn = nil
		go conn.Close()
	}
	s.goBackground(s.reconnect)
}

// onRestored caller holds s.mu.
func (s *Session) onRestored(ev transport.Event) {
	if s.conn == nil || ev.ConnID != s.conn.ID() {
		delete(s.lostEarly, ev.ConnID)
		return
	}
	if s.machine.Phase() != Reconnecting {
		return
	}
	s.fire(TriggerReconnected, nil, 0)
	s.goBackground(s.resync)
}

// takeEarlyLoss returns the loss conn reported before it was adopted, if
// any, and forgets every loss recorded for dials that were never adopted.
// Caller holds s.mu.
func (s *Session) takeEarlyLoss(conn transport.Conn) (transport.Event, bool) {
	ev, lost := s.lostEarly[conn.ID()]
	clear(s.lostEarly)
	return ev, lost
}

// giveUp moves Reconnecting to Failed. Caller holds s.mu.
func (s *Session) giveUp(cause error, attempts int) {
	if cause == nil {
		cause = errRetriesExhausted
	}
	if conn := s.conn; conn != nil {
		s.retired[conn.ID()] = struct{}{}
		s.conn = nil
		go conn.Close()
	}
	s.fire(TriggerRetriesExhausted, cause, attempts)
}

// reconnect redials with capped exponential backoff until a handshake
// succeeds, the attempts run out or the session closes.
func (s *Session) reconnect(ctx context.Context) {
	var lastErr error
	for attempt := 1; attempt <= s.backoff.Attempts; attempt++ {
		delay := s.backoff.Delay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		metrics.ReconnectAttempts.Inc()
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		conn, err := s.deps.Transport.Connect(dialCtx, s.cfg.Token)
		cancel()

		s.mu.Lock()
		if s.closed || s.machine.Phase() != Reconnecting {
			s.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			lastErr = err
			s.mu.Unlock()
			log.Printf("[session] id=%s reconnect attempt %d/%d failed: %v", s.id, attempt, s.backoff.Attempts, err)
			continue
		}
		if ev, lost := s.takeEarlyLoss(conn); lost {
			s.retired[conn.ID()] = struct{}{}
			s.mu.Unlock()
			conn.Close()
			lastErr = ev.Err
			if lastErr == nil {
				lastErr = transport.ErrClosed
			}
			log.Printf("[session] id=%s reconnect attempt %d/%d lost during handshake: %v", s.id, attempt, s.backoff.Attempts, lastErr)
			continue
		}
		s.conn = conn
		s.fire(TriggerReconnected, nil, attempt)
		s.mu.Unlock()

		s.resync(ctx)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.machine.Phase() != Reconnecting {
		return
	}
	if lastErr != nil {
		lastErr = fmt.Errorf("%w: %w", errRetriesExhausted, lastErr)
	}
	s.giveUp(lastErr, s.backoff.Attempts)
}

// resync reloads the active room's first page after a restore. The ledger
// deduplicates anything replayed.
func (s *Session) resync(ctx context.Context) {
	active := s.rooms.ActiveID()
	if active == "" {
		return
	}
	res, err := s.LoadHistory(ctx, active, 1)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			log.Printf("[session] resync room=%s: %v", active, err)
		}
		return
	}
	log.Printf("[session] id=%s resynced room=%s source=%s messages=%d", s.id, active, res.Source, len(res.Messages))
}
