package reserve

import (
	"context"
	"errors"
	"time"

	"pmoline/internal/domain"
	"pmoline/internal/lifecycle"
	"pmoline/internal/repo"
)

// SweepActor is recorded on audit entries written by the sweep.
const SweepActor = "reserve-sweep"

// Service removes reserved initiatives whose expiry deadline has passed.
// The sweep is re-entrant: each removal rides the version-guarded transition,
// so a concurrent activation or a second sweeper simply wins and the loser
// skips the entity.
type Service struct {
	Repo   repo.Repo
	Engine lifecycle.Engine
}

// SweepExpired removes every reserved initiative with expiry strictly before
// now and returns how many were removed.
func (s Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Format(time.RFC3339)
	expired, err := s.Repo.ListReservedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, ini := range expired {
		_, err := s.Engine.Transition(ctx, lifecycle.TransitionOptions{
			EntityID:        ini.ID,
			Command:         lifecycle.CommandRemove,
			Actor:           SweepActor,
			Reason:          "expiry",
			ExpectedVersion: ini.Version,
		})
		if err != nil {
			var conflict domain.ConcurrentModificationError
			var invalid domain.InvalidTransitionError
			if errors.As(err, &conflict) || errors.As(err, &invalid) {
				continue
			}
			return swept, err
		}
		swept++
	}
	return swept, nil
}
