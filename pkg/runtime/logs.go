package runtime

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/forgebay/runnerd/pkg/types"
)

// LogOptions controls a Logs subscription.
type LogOptions struct {
	// TailLines replays up to this many buffered lines before
	// switching to live tail. Zero means no replay.
	TailLines int
	// Follow keeps the stream open past the backlog. A caller that
	// only wants the backlog sets Follow to false.
	Follow bool
}

// logHub fans a container's stdout/stderr out to every active Logs
// subscriber and keeps a bounded backlog for TailLines.
type logHub struct {
	mu      sync.Mutex
	subs    map[int]chan types.LogLine
	next    int
	backlog []types.LogLine
	maxBack int
}

func newLogHub(maxBacklog int) *logHub {
	if maxBacklog <= 0 {
		maxBacklog = 500
	}
	return &logHub{subs: make(map[int]chan types.LogLine), maxBack: maxBacklog}
}

func (h *logHub) publish(line types.LogLine) {
	h.mu.Lock()
	h.backlog = append(h.backlog, line)
	if len(h.backlog) > h.maxBack {
		h.backlog = h.backlog[len(h.backlog)-h.maxBack:]
	}
	subs := make([]chan types.LogLine, 0, len(h.subs))
	for _, ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- line:
		default:
		}
	}
}

func (h *logHub) subscribe(opts LogOptions) (<-chan types.LogLine, func()) {
	h.mu.Lock()
	ch := make(chan types.LogLine, 256)
	id := h.next
	h.next++
	if opts.Follow {
		h.subs[id] = ch
	}
	var backlog []types.LogLine
	if opts.TailLines > 0 {
		n := opts.TailLines
		if n > len(h.backlog) {
			n = len(h.backlog)
		}
		backlog = append(backlog, h.backlog[len(h.backlog)-n:]...)
	}
	h.mu.Unlock()

	go func() {
		for _, line := range backlog {
			ch <- line
		}
		if !opts.Follow {
			close(ch)
		}
	}()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel
}

// lineWriter splits an arbitrary write stream into LogLines, tagging
// each with containerID and stream ("stdout"/"stderr").
type lineWriter struct {
	hub         *logHub
	containerID string
	stream      string
	buf         bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		b := w.buf.Bytes()
		idx := bytes.IndexByte(b, '\n')
		if idx < 0 {
			break
		}
		line := string(b[:idx])
		w.buf.Next(idx + 1)
		w.hub.publish(types.LogLine{
			ContainerID: w.containerID,
			Stream:      w.stream,
			Timestamp:   time.Now(),
			Line:        line,
		})
	}
	return len(p), nil
}

var _ io.Writer = (*lineWriter)(nil)

func (r *Runtime) hubFor(containerID string) *logHub {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	h, ok := r.logHubs[containerID]
	if !ok {
		h = newLogHub(500)
		r.logHubs[containerID] = h
	}
	return h
}

// Logs subscribes to containerID's stdout/stderr. The returned channel
// is closed once the caller's cancel func is invoked, or immediately
// after the backlog drains when opts.Follow is false.
func (r *Runtime) Logs(_ context.Context, containerID string, opts LogOptions) (<-chan types.LogLine, func(), error) {
	ch, cancel := r.hubFor(containerID).subscribe(opts)
	return ch, cancel, nil
}

// dropLogHub discards a container's log hub once it has been removed.
func (r *Runtime) dropLogHub(containerID string) {
	r.logMu.Lock()
	delete(r.logHubs, containerID)
	r.logMu.Unlock()
}
