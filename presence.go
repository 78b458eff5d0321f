package bazario

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTypingIdle is how long after the last keystroke the typing signal
// is withdrawn.
const DefaultTypingIdle = 2 * time.Second

// PresenceOptions configures a PresenceTracker.
type PresenceOptions struct {
	// TypingIdle overrides the keystroke inactivity window.
	TypingIdle time.Duration
	// OnChange, if set, is invoked after any peer typing/online flag flips.
	OnChange func()
}

func (o *PresenceOptions) defaults() {
	if o.TypingIdle == 0 {
		o.TypingIdle = DefaultTypingIdle
	}
}

// ============================================================================
// PresenceTracker
// ============================================================================

// PresenceTracker derives the ephemeral UI signals of one open conversation:
// the local typing state machine (IDLE -> TYPING -> IDLE on silence, send,
// or unmount) and the counterparty's typing/online flags. Events from users
// other than the counterparty are ignored.
type PresenceTracker struct {
	emitter      Emitter
	counterparty string
	opts         PresenceOptions
	log          *zap.SugaredLogger

	mu         sync.Mutex
	selfTyping bool
	idleTimer  *time.Timer
	typingGen  int
	peerTyping bool
	peerOnline bool
}

// NewPresenceTracker creates a tracker for the conversation with
// counterpartyID. opts may be nil for defaults; log may be nil for no-op
// logging.
func NewPresenceTracker(emitter Emitter, counterpartyID string, opts *PresenceOptions, log *zap.SugaredLogger) *PresenceTracker {
	var o PresenceOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &PresenceTracker{
		emitter:      emitter,
		counterparty: counterpartyID,
		opts:         o,
		log:          log,
	}
}

// InputActivity reports a keystroke in the composer. The first keystroke of
// a burst emits typing once; every keystroke resets the inactivity timer.
// Continued keystrokes while already TYPING never re-emit.
func (p *PresenceTracker) InputActivity(ctx context.Context) {
	p.mu.Lock()
	first := !p.selfTyping
	p.selfTyping = true
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	// A stopped timer may already have fired and be waiting on the mutex;
	// the generation check in flushExpired makes it a no-op.
	p.typingGen++
	gen := p.typingGen
	p.idleTimer = time.AfterFunc(p.opts.TypingIdle, func() {
		p.flushExpired(gen)
	})
	p.mu.Unlock()

	if first {
		if err := p.emitter.Emit(ctx, EventTyping, TypingPayload{To: p.counterparty}); err != nil {
			p.log.Debugw("typing emit failed", "to", p.counterparty, "error", err)
		}
	}
}

// FlushTyping withdraws an active typing signal immediately. Called by the
// idle timer, on send, and on unmount, so the counterpart never sees a stale
// "typing..." indicator. No-op when IDLE.
func (p *PresenceTracker) FlushTyping(ctx context.Context) {
	p.mu.Lock()
	p.typingGen++
	wasTyping := p.selfTyping
	p.selfTyping = false
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.mu.Unlock()

	if wasTyping {
		if err := p.emitter.Emit(ctx, EventStopTyping, TypingPayload{To: p.counterparty}); err != nil {
			p.log.Debugw("stop_typing emit failed", "to", p.counterparty, "error", err)
		}
	}
}

// flushExpired is the idle-timer path of FlushTyping. The generation guard
// discards a timer that fired concurrently with a keystroke, so a burst of
// typing never produces a spurious stop_typing mid-burst.
func (p *PresenceTracker) flushExpired(gen int) {
	p.mu.Lock()
	if gen != p.typingGen {
		p.mu.Unlock()
		return
	}
	wasTyping := p.selfTyping
	p.selfTyping = false
	p.idleTimer = nil
	p.mu.Unlock()

	if wasTyping {
		if err := p.emitter.Emit(context.Background(), EventStopTyping, TypingPayload{To: p.counterparty}); err != nil {
			p.log.Debugw("stop_typing emit failed", "to", p.counterparty, "error", err)
		}
	}
}

// SelfTyping reports whether the local typing signal is currently active.
func (p *PresenceTracker) SelfTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selfTyping
}

// PeerTyping reports whether the counterparty is typing.
func (p *PresenceTracker) PeerTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerTyping
}

// PeerOnline reports whether the counterparty is online.
func (p *PresenceTracker) PeerOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerOnline
}

func (p *PresenceTracker) setPeerTyping(v bool) {
	p.mu.Lock()
	changed := p.peerTyping != v
	p.peerTyping = v
	p.mu.Unlock()
	if changed && p.opts.OnChange != nil {
		p.opts.OnChange()
	}
}

func (p *PresenceTracker) setPeerOnline(v bool) {
	p.mu.Lock()
	changed := p.peerOnline != v
	p.peerOnline = v
	p.mu.Unlock()
	if changed && p.opts.OnChange != nil {
		p.opts.OnChange()
	}
}

// Attach subscribes the tracker to the manager's presence events, filtered
// to the counterparty. The returned teardown also flushes an active typing
// signal, covering the unmount path.
func (p *PresenceTracker) Attach(sm *SocketManager) Unsubscribe {
	subs := []Unsubscribe{
		sm.OnTyping(func(t TypingPayload) {
			if t.From == p.counterparty {
				p.setPeerTyping(true)
			}
		}),
		sm.OnStopTyping(func(t TypingPayload) {
			if t.From == p.counterparty {
				p.setPeerTyping(false)
			}
		}),
		sm.OnUserOnline(func(u PresencePayload) {
			if u.UserID == p.counterparty {
				p.setPeerOnline(true)
			}
		}),
		sm.OnUserOffline(func(u PresencePayload) {
			if u.UserID == p.counterparty {
				p.setPeerOnline(false)
			}
		}),
	}
	return func() {
		for _, unsub := range subs {
			unsub()
		}
		p.FlushTyping(context.Background())
	}
}
