// Package provider defines the backend adapter contract and the router
// that picks one per turn. Adapters translate their backend's native
// streaming protocol into canonical bridge events; callers never see
// provider-specific wire formats.
package provider

import (
	"context"

	"github.com/Emprim-Panth/loom/internal/bridge"
)

// Message is one prior transcript entry handed to stateless providers
// that rebuild conversation state per turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything an adapter needs for one turn. ResumeToken
// and ForkFromToken are provider-native session handles; adapters that
// keep no server-side state ignore them and use History instead.
type Request struct {
	SessionID        string
	Prompt           string
	Model            string
	WorkingDirectory string
	SystemPrompt     string
	ResumeToken      string
	ForkFromToken    string
	History          []Message
}

// Result is what a completed turn leaves behind. NativeToken, when
// non-empty, is the provider's handle for continuing this session and is
// persisted by the caller.
type Result struct {
	NativeToken string
	Usage       *bridge.Usage
}

// Capabilities describes what an adapter can do, so the engine knows
// which request fields are meaningful for it.
type Capabilities struct {
	Resume    bool `json:"resume"`
	Fork      bool `json:"fork"`
	Tools     bool `json:"tools"`
	Streaming bool `json:"streaming"`
}

// Provider is one language-model backend. Send blocks for the whole
// turn, invoking emit for every canonical event as it happens; emit is
// called from a single goroutine. Cancel interrupts an in-flight turn
// for the session, after which Send returns ErrCancelled.
type Provider interface {
	ID() string
	DisplayName() string
	Capabilities() Capabilities
	CheckHealth(ctx context.Context) error
	Send(ctx context.Context, req Request, emit func(bridge.Event)) (*Result, error)
	Cancel(sessionID string)
}

// Warmer is implemented by adapters that benefit from pre-starting
// expensive machinery before the first turn.
type Warmer interface {
	WarmUp(ctx context.Context) error
}
