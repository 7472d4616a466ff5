// Package completion talks to the text-completion provider that generates
// query directives.
package completion

import (
	"context"
	"errors"
)

var ErrEmptyCompletion = errors.New("empty completion")

// Completer sends one system/user instruction pair and returns the raw text
// of the first choice.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type CompleterFunc func(ctx context.Context, system, user string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}
