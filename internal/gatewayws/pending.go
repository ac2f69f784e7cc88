package gatewayws

import (
	"sync"
	"time"
)

// pendingCall is one in-flight request awaiting a settling response.
type pendingCall struct {
	expectFinal bool
	resolve     chan callResult
	timer       *time.Timer
}

type callResult struct {
	payload []byte
	err     error
}

// pendingTable correlates outgoing requests with their eventual responses
// by request id. A response with payload.status=="accepted" does not
// settle a call whose expectFinal flag is set; only a non-accepted
// response does.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// register adds a pending call with the given deadline, returning a
// channel the caller blocks on for the eventual result. If the deadline
// elapses before a settling response arrives, the call is settled with
// timeoutErr.
func (t *pendingTable) register(id string, expectFinal bool, deadline time.Duration, timeoutErr error) chan callResult {
	ch := make(chan callResult, 1)
	t.mu.Lock()
	pc := &pendingCall{
		expectFinal: expectFinal,
		resolve:     ch,
	}
	pc.timer = time.AfterFunc(deadline, func() {
		t.settle(id, callResult{err: timeoutErr})
	})
	t.calls[id] = pc
	t.mu.Unlock()
	return ch
}

// remove deletes and returns the pending call for id, or nil if absent.
func (t *pendingTable) remove(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return pc
}

func (t *pendingTable) get(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[id]
}

// settleAccepted is called for an intermediate payload.status=="accepted"
// frame on a call whose expectFinal flag is true: it must not settle.
func isAcceptedIntermediate(expectFinal bool, status string) bool {
	return expectFinal && status == "accepted"
}

// settle resolves the pending call for id with result, if one exists.
func (t *pendingTable) settle(id string, res callResult) bool {
	pc := t.remove(id)
	if pc == nil {
		return false
	}
	pc.timer.Stop()
	pc.resolve <- res
	return true
}

// closeAll flushes every pending call with err, used when the client closes.
func (t *pendingTable) closeAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, pc := range calls {
		pc.timer.Stop()
		pc.resolve <- callResult{err: err}
	}
}
