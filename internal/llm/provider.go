// Package llm is a thin provider layer over chat-completion APIs.
package llm

import (
	"context"
	"errors"
	"sync"
)

// Provider sends one chat completion.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSON asks the provider for a single JSON object as the reply.
	JSON bool
}

type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}

// ErrNoChoices is returned when the provider answered without content.
var ErrNoChoices = errors.New("llm: no choices returned")

// Fake replays canned replies in order; the last reply repeats. Err, when
// set, is returned instead. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	Replies []string
	Err     error
	// Block makes Generate wait for ctx to end, for timeout tests.
	Block bool
	calls []*Request
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Generate(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	if f.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Replies) == 0 {
		return nil, ErrNoChoices
	}
	i := n - 1
	if i >= len(f.Replies) {
		i = len(f.Replies) - 1
	}
	return &Response{Content: f.Replies[i], FinishReason: "stop", Model: req.Model}, nil
}

// Calls returns the requests seen so far.
func (f *Fake) Calls() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Request(nil), f.calls...)
}
