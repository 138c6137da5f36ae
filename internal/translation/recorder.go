package translation

import (
	"context"
	"sync"
)

// Recorder is a Translator that records every request. Replies default to the
// mock format; Reply overrides them. When Gate is set each call blocks until
// a value is received from it or the context ends.
type Recorder struct {
	Reply func(Request) (string, error)
	Gate  chan struct{}

	mu    sync.Mutex
	calls []Request
}

func (r *Recorder) Translate(ctx context.Context, req Request) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	if r.Gate != nil {
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.Reply != nil {
		return r.Reply(req)
	}
	return "[" + req.TargetLang + "] " + req.Text, nil
}

// Calls returns the requests received so far.
func (r *Recorder) Calls() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.calls...)
}
