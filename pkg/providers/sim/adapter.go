package sim

import (
	"context"

	"github.com/skyform/skyform/pkg/engine"
)

// adapter dispatches one kind's CRUD calls to the platform.
type adapter struct {
	platform *Platform
	kind     engine.Kind
}

func (a *adapter) Create(_ context.Context, attrs engine.Attrs) (string, engine.Attrs, error) {
	return a.platform.create(a.kind, attrs)
}

func (a *adapter) Read(_ context.Context, id string) (engine.Attrs, engine.Attrs, error) {
	return a.platform.read(id)
}

func (a *adapter) Update(_ context.Context, id string, attrs engine.Attrs) (engine.Attrs, error) {
	return a.platform.update(a.kind, id, attrs)
}

func (a *adapter) Delete(_ context.Context, id string) error {
	return a.platform.delete(a.kind, id)
}

// PollHealth reports the aggregate health of a target group: unhealthy if
// any registered target is unhealthy, unused when none is registered.
func (a *adapter) PollHealth(_ context.Context, id string) (engine.HealthStatus, error) {
	if a.kind != engine.KindTargetGroup {
		return "", engine.NewPermanentError(
			"health polling is only supported for target groups", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return a.platform.aggregateHealth(id)
}

var _ engine.Adapter = (*adapter)(nil)
var _ engine.HealthPoller = (*adapter)(nil)
