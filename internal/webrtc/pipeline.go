package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"voicecircle/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// step is one fallible stage of the connect sequence.
type step struct {
	name string
	run  func(a *attempt) error
}

// releaser undoes one acquisition.
type releaser struct {
	name string
	fn   func() error
}

// attempt holds everything acquired by one connect call. Resources are
// registered with hold as they are acquired and released in reverse order.
// Once released, anything held afterwards is released immediately.
type attempt struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	// Written by the pipeline only.
	cred   *domain.EphemeralCredential
	offer  string
	answer string

	mu       sync.Mutex
	pc       *pion.PeerConnection
	dc       *pion.DataChannel
	undo     []releaser
	released bool
	reason   error
}

func newAttempt(parent context.Context, gen uint64) *attempt {
	ctx, cancel := context.WithCancel(parent)
	return &attempt{gen: gen, ctx: ctx, cancel: cancel}
}

// hold registers fn to run at release. If the attempt was already released,
// fn runs now and domain.ErrConnectAborted is returned.
func (a *attempt) hold(name string, fn func() error) error {
	a.mu.Lock()
	if !a.released {
		a.undo = append(a.undo, releaser{name: name, fn: fn})
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	if err := fn(); err != nil {
		log.Warn().Str("module", "webrtc").Err(err).Str("resource", name).Msg("release after abort")
	}
	return domain.ErrConnectAborted
}

// release runs every registered releaser once, newest first.
func (a *attempt) release(reason error) error {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return nil
	}
	a.released = true
	a.reason = reason
	undo := a.undo
	a.undo = nil
	a.mu.Unlock()

	a.cancel()

	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", undo[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// guard runs fn unless the attempt was released. A concurrent release waits
// for fn, so anything fn attaches is undone by the releasers.
func (a *attempt) guard(fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return false
	}
	fn()
	return true
}

func (a *attempt) releaseReason() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

func (a *attempt) setPeer(pc *pion.PeerConnection) {
	a.mu.Lock()
	a.pc = pc
	a.mu.Unlock()
}

func (a *attempt) setChannel(dc *pion.DataChannel) {
	a.mu.Lock()
	a.dc = dc
	a.mu.Unlock()
}

func (a *attempt) transport() (*pion.PeerConnection, *pion.DataChannel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pc, a.dc
}

// runSteps executes steps in order and stops at the first failure.
// Rollback is the caller's job, via release.
func runSteps(a *attempt, steps []step) error {
	for _, s := range steps {
		if err := a.ctx.Err(); err != nil {
			return err
		}
		log.Debug().Str("module", "webrtc").Uint64("attempt", a.gen).Str("step", s.name).Msg("connect step")
		if err := s.run(a); err != nil {
			return err
		}
	}
	return nil
}

// onceCloser makes a close func safe to call more than once.
func onceCloser(fn func() error) func() error {
	var once sync.Once
	var err error
	return func() error {
		once.Do(func() { err = fn() })
		return err
	}
}
