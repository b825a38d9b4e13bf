package runtime

import (
	"context"
	"fmt"

	apievents "github.com/containerd/containerd/api/events"
	"github.com/containerd/typeurl/v2"
	"github.com/forgebay/runnerd/pkg/types"
)

// Events subscribes to containerd's task lifecycle events, filtered to
// runnerd's namespace, and decodes them into EngineEvent (spec.md
// §4.6: "subscribes to engine-level container events (start, die,
// stop, oom) filtered by the system's label set"). The returned
// channel closes when ctx is cancelled.
func (r *Runtime) Events(ctx context.Context) (<-chan types.EngineEvent, error) {
	filters := []string{
		fmt.Sprintf(`topic=="/tasks/start",namespace==%q`, r.namespace),
		fmt.Sprintf(`topic=="/tasks/exit",namespace==%q`, r.namespace),
		fmt.Sprintf(`topic=="/tasks/oom",namespace==%q`, r.namespace),
		fmt.Sprintf(`topic=="/tasks/delete",namespace==%q`, r.namespace),
	}

	raw, errs := r.client.Subscribe(ctx, filters...)
	out := make(chan types.EngineEvent, 64)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil {
					return
				}
			case env, ok := <-raw:
				if !ok {
					return
				}
				ev, err := typeurl.UnmarshalAny(env.Event)
				if err != nil {
					continue
				}
				if e, ok := decodeTaskEvent(ev); ok {
					out <- e
				}
			}
		}
	}()

	return out, nil
}

func decodeTaskEvent(ev interface{}) (types.EngineEvent, bool) {
	switch v := ev.(type) {
	case *apievents.TaskStart:
		return types.EngineEvent{ContainerID: v.ContainerID, Kind: types.EngineEventStart}, true
	case *apievents.TaskExit:
		kind := types.EngineEventDie
		if v.ExitStatus == 0 {
			kind = types.EngineEventStop
		}
		return types.EngineEvent{
			ContainerID: v.ContainerID,
			Kind:        kind,
			ExitCode:    v.ExitStatus,
		}, true
	case *apievents.TaskOOM:
		return types.EngineEvent{ContainerID: v.ContainerID, Kind: types.EngineEventOOM}, true
	default:
		return types.EngineEvent{}, false
	}
}
