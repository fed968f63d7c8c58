package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoStrategies is returned by RunInOrder when it is given nothing to run
var ErrNoStrategies = errors.New("no strategies to run")

// Strategy is one way of performing a setup step
type Strategy struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunInOrder runs strategies in sequence until one succeeds and returns its
// name. When every strategy fails the error joins all of their failures.
func RunInOrder(ctx context.Context, strategies ...Strategy) (string, error) {
	if len(strategies) == 0 {
		return "", ErrNoStrategies
	}

	var errs []error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := s.Run(ctx)
		if err == nil {
			return s.Name, nil
		}
		slog.Debug("Strategy failed", "strategy", s.Name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}
	return "", errors.Join(errs...)
}
