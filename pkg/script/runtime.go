package script

import "context"

// Runtime runs a task script with the token's variables in scope.
type Runtime interface {
	RunScript(ctx context.Context, script string, variables map[string]any) (any, error)
}
