package sandbox

import (
	"context"
	"sync"
)

type RequestKind string

const (
	KindHTTP    RequestKind = "http"
	KindMessage RequestKind = "message"
)

// HTTPCall is a guest ctx.http request.
type HTTPCall struct {
	Method  string
	URL     string
	Body    any
	Headers map[string]string
}

// MessageCall is a guest ctx.message.send request.
type MessageCall struct {
	To        string
	Text      string
	ChannelID string
}

// Request travels from the guest to the host dispatcher.
type Request struct {
	ID      string
	Kind    RequestKind
	HTTP    *HTTPCall
	Message *MessageCall
}

// Response settles the guest promise registered under ID.
type Response struct {
	ID     string
	OK     bool
	Result any
	Error  string
}

// loop is the job queue of the goroutine that owns the JS runtime. Any
// goroutine may post; only the owner runs the jobs.
type loop struct {
	mu     sync.Mutex
	jobs   []func()
	wake   chan struct{}
	closed bool
}

func newLoop() *loop { return &loop{wake: make(chan struct{}, 1)} }

func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.jobs = append(l.jobs, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *loop) drain() []func() {
	l.mu.Lock()
	jobs := l.jobs
	l.jobs = nil
	l.mu.Unlock()
	return jobs
}

func (l *loop) close() {
	l.mu.Lock()
	l.closed = true
	l.jobs = nil
	l.mu.Unlock()
}

// bridge carries capability requests out of the guest. Requests go through
// a bounded channel to a single dispatcher; replies come back through the
// loop so promises are settled on the runtime goroutine.
type bridge struct {
	reqs    chan Request
	loop    *loop
	handle  func(context.Context, Request) Response
	mu      sync.Mutex
	pending map[string]func(Response)
}

func newBridge(size int, l *loop, handle func(context.Context, Request) Response) *bridge {
	return &bridge{
		reqs:    make(chan Request, size),
		loop:    l,
		handle:  handle,
		pending: map[string]func(Response){},
	}
}

// call registers settle under req.ID and hands req to the dispatcher.
func (b *bridge) call(ctx context.Context, req Request, settle func(Response)) error {
	b.mu.Lock()
	b.pending[req.ID] = settle
	b.mu.Unlock()
	select {
	case b.reqs <- req:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
		return ctx.Err()
	}
}

// dispatch serves requests one at a time until ctx is done.
func (b *bridge) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.reqs:
			resp := b.handle(ctx, req)
			resp.ID = req.ID
			b.loop.post(func() { b.resolve(resp) })
		}
	}
}

func (b *bridge) resolve(resp Response) {
	b.mu.Lock()
	settle, ok := b.pending[resp.ID]
	delete(b.pending, resp.ID)
	b.mu.Unlock()
	if ok {
		settle(resp)
	}
}

// abandon drops every unsettled request and returns how many there were.
func (b *bridge) abandon() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.pending)
	b.pending = map[string]func(Response){}
	return n
}
