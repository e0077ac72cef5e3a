// Package capture validates capture requests and talks to the rendering
// backend. The backend owns its own browser pool; this package only sends
// normalized parameters and classifies failures.
package capture

import (
	"context"
	"errors"
)

var (
	ErrTargetUnreachable = errors.New("capture: target unreachable")
	ErrTimeout           = errors.New("capture: timeout")
	ErrElementNotFound   = errors.New("capture: element not found")
	ErrInvalidTarget     = errors.New("capture: invalid target")
)

type Renderer interface {
	Render(ctx context.Context, p Params) ([]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, p Params) ([]byte, error)

func (f RendererFunc) Render(ctx context.Context, p Params) ([]byte, error) { return f(ctx, p) }

// Failure codes reported by the rendering backend in its JSON error body.
const (
	CodeTargetUnreachable = "target_unreachable"
	CodeTimeout           = "timeout"
	CodeElementNotFound   = "element_not_found"
	CodeInvalidTarget     = "invalid_target"
)

func errorForCode(code string) error {
	switch code {
	case CodeTargetUnreachable:
		return ErrTargetUnreachable
	case CodeTimeout:
		return ErrTimeout
	case CodeElementNotFound:
		return ErrElementNotFound
	case CodeInvalidTarget:
		return ErrInvalidTarget
	}
	return nil
}
