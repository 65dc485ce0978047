package rpccore

import "sync"

// fakeTransport is a hand-written stand-in for a real Transport, in the
// style of controller/destination/test_helper.go's fake stream fixtures: a
// narrow implementation of the interface under test, not a generated mock.
type fakeTransport struct {
	mu          sync.Mutex
	goaways     []string
	disconnects int
	onChange    func(state ConnectivityState, fatal bool)
}

func (f *fakeTransport) SendGoAway(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goaways = append(f.goaways, message)
}

func (f *fakeTransport) Disconnect(force bool) {
	f.mu.Lock()
	f.disconnects++
	cb := f.onChange
	f.mu.Unlock()
	if cb != nil {
		cb(ConnectivityShutdown, true)
	}
}

func (f *fakeTransport) Subscribe(onChange func(state ConnectivityState, fatal bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = onChange
}

func (f *fakeTransport) goAwayCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.goaways)
}

// newTestChannel sets up a channel against s through the same SetupTransport
// path a real listener would use, returning the channel and the fake
// transport backing it so a test can drive connectivity changes directly.
func newTestChannel(s *Server) (*Channel, *fakeTransport) {
	ft := &fakeTransport{}
	ch := s.SetupTransport(ft)
	return ch, ft
}
