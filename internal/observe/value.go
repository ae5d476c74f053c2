package observe

import "context"

// FlagValue is the observable state of one flag, derived from the
// observer's feature map.
type FlagValue struct {
	key string
	obs *Observer
}

func (v *FlagValue) Key() string { return v.key }

// Get returns the last committed value.
func (v *FlagValue) Get() bool {
	return v.obs.state.load().values[v.key]
}

// Watch sends the current value, then each distinct value after it. A slow
// reader skips intermediate values and always catches up to the latest.
// The channel is closed when ctx is done or the observer closes.
func (v *FlagValue) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)

	go func() {
		defer close(out)

		snap := v.obs.state.load()
		last := snap.values[v.key]
		if !v.send(ctx, out, last) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-v.obs.done:
				return
			case <-snap.next:
			}

			snap = v.obs.state.load()
			if cur := snap.values[v.key]; cur != last {
				last = cur
				if !v.send(ctx, out, cur) {
					return
				}
			}
		}
	}()

	return out
}

func (v *FlagValue) send(ctx context.Context, out chan<- bool, value bool) bool {
	select {
	case out <- value:
		return true
	case <-ctx.Done():
		return false
	case <-v.obs.done:
		return false
	}
}
