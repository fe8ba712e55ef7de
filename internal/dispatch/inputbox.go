package dispatch

import (
	"context"
	"strings"
	"sync"
)

// InputBox holds the latest generated text. Writers Set it, a dispatcher
// Waits on it. It replaces polling a shared field: Wait wakes as soon as
// non-empty content lands or ctx ends.
//
// Every Reset starts a new round and returns its token. SetFor drops
// results carrying an older token, so a slow writer from a timed-out round
// cannot answer the next one.
type InputBox struct {
	mu    sync.Mutex
	round uint64
	text  string
	err   error
	ready chan struct{}
}

func NewInputBox() *InputBox {
	return &InputBox{ready: make(chan struct{})}
}

// Reset empties the box for a new generation and returns the round token.
func (b *InputBox) Reset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.round++
	b.text = ""
	b.err = nil
	select {
	case <-b.ready:
		b.ready = make(chan struct{})
	default:
	}
	return b.round
}

// Set stores content for the current round.
func (b *InputBox) Set(text string, err error) {
	b.mu.Lock()
	round := b.round
	b.mu.Unlock()
	b.SetFor(round, text, err)
}

// SetFor stores content for round and reports whether it was accepted.
// Blank text is ignored unless err is set; the first result of a round wins.
func (b *InputBox) SetFor(round uint64, text string, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if round != b.round {
		return false
	}
	if strings.TrimSpace(text) == "" && err == nil {
		return false
	}
	select {
	case <-b.ready:
		return false
	default:
	}
	b.text, b.err = text, err
	close(b.ready)
	return true
}

// Wait returns the content once set, or ctx.Err().
func (b *InputBox) Wait(ctx context.Context) (string, error) {
	b.mu.Lock()
	ready := b.ready
	b.mu.Unlock()
	select {
	case <-ready:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.text, b.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
