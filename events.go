// SPDX-License-Identifier: Apache-2.0

package guestfs

// EventBitmask selects which library events a subscriber wants to receive.
// Multiple bits may be set; a zero mask never matches anything.
type EventBitmask uint64

const (
	EventClose EventBitmask = 1 << iota
	EventSubprocessQuit
	EventLaunchDone
	EventProgress
	EventAppliance
	EventLibrary
	EventTrace
)

// EventCallback is invoked synchronously from inside the handle's public
// entry points, per spec.md §4.9; it must not call back into the handle
// that delivered it (no re-entrancy guarantee is made for that case).
type EventCallback func(event EventBitmask, eventHandle int, buf []byte, array []uint64)

type eventSubscription struct {
	handle   int
	mask     EventBitmask
	callback EventCallback
	opaque1  interface{}
	opaque2  interface{}
}

// eventRegistry is a handle's ordered subscriber list. Order matters only
// in that callbacks fire in subscription order; it carries no other
// synchronization since delivery always happens under the handle's own
// recursive mutex.
type eventRegistry struct {
	subs   []eventSubscription
	nextID int
}

// set registers callback for any event in mask and returns a subscription
// handle usable to delete it later.
func (r *eventRegistry) set(mask EventBitmask, cb EventCallback, opaque1, opaque2 interface{}) int {
	r.nextID++
	r.subs = append(r.subs, eventSubscription{
		handle:   r.nextID,
		mask:     mask,
		callback: cb,
		opaque1:  opaque1,
		opaque2:  opaque2,
	})
	return r.nextID
}

// delete removes the subscription with the given handle id, returning
// whether one was found.
func (r *eventRegistry) delete(handle int) bool {
	for i, s := range r.subs {
		if s.handle == handle {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// callCallbacksVoid delivers event to every subscriber whose mask matches,
// with no payload.
func (r *eventRegistry) callCallbacksVoid(event EventBitmask) {
	r.dispatch(event, nil, nil)
}

// callCallbacksMessage delivers event with a single byte-buffer payload,
// e.g. a log line or a diagnostic message.
func (r *eventRegistry) callCallbacksMessage(event EventBitmask, buf []byte) {
	r.dispatch(event, buf, nil)
}

// callCallbacksArray delivers event with a uint64 array payload, e.g.
// progress notifications (position, total, count, index).
func (r *eventRegistry) callCallbacksArray(event EventBitmask, array []uint64) {
	r.dispatch(event, nil, array)
}

func (r *eventRegistry) dispatch(event EventBitmask, buf []byte, array []uint64) {
	for _, s := range r.subs {
		if s.mask&event == 0 {
			continue
		}
		s.callback(event, s.handle, buf, array)
	}
}
