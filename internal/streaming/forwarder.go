package streaming

import (
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/blueberrycongee/llmgate/internal/metrics"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// tapBuffer is the side-tap channel depth. Accounting keeps up with normal
// streams easily; a slow merge drops chunks from accounting, never from the
// client.
const tapBuffer = 64

// Tap is the accounting side of a forwarded stream. Chunks offered to the
// tap are merged in a separate goroutine; the offer never blocks.
type Tap struct {
	protocol types.TargetProtocol
	ch       chan []byte
	done     chan struct{}
	merger   Merger
	framer   *Framer
	stopped  bool
	dropped  atomic.Int64
}

// NewTap starts the merge goroutine for one stream.
func NewTap(protocol types.TargetProtocol, model string, format Format) *Tap {
	t := &Tap{
		protocol: protocol,
		ch:       make(chan []byte, tapBuffer),
		done:     make(chan struct{}),
		merger:   NewMerger(protocol, model),
		framer:   NewFramer(format),
	}
	go t.run()
	return t
}

func (t *Tap) run() {
	defer close(t.done)
	for chunk := range t.ch {
		if t.stopped {
			continue
		}
		frames, err := t.framer.Push(chunk)
		for _, f := range frames {
			t.merger.Feed(f)
		}
		if err != nil {
			// Bounds exceeded: stop merging, keep draining so Offer
			// stays cheap. The passthrough is unaffected.
			t.stopped = true
			metrics.StreamChunksSkipped.WithLabelValues(string(t.protocol)).Inc()
		}
	}
	if !t.stopped {
		for _, f := range t.framer.Flush() {
			t.merger.Feed(f)
		}
	}
}

// Offer hands a chunk to the merge goroutine without blocking. The chunk is
// copied; the caller may reuse its buffer.
func (t *Tap) Offer(b []byte) {
	cp := append([]byte(nil), b...)
	select {
	case t.ch <- cp:
	default:
		t.dropped.Add(1)
		metrics.StreamChunksSkipped.WithLabelValues(string(t.protocol)).Inc()
	}
}

// Finish closes the tap and returns the merged response. Dropped chunks are
// folded into SkippedChunks.
func (t *Tap) Finish() *types.MergedResponse {
	close(t.ch)
	<-t.done
	res := t.merger.Result()
	res.SkippedChunks += int(t.dropped.Load())
	return res
}

// DestError marks a forward failure on the client side of the stream, as
// opposed to the upstream read side.
type DestError struct {
	Err error
}

func (e *DestError) Error() string { return "write to client: " + e.Err.Error() }
func (e *DestError) Unwrap() error { return e.Err }

// Forward pumps the upstream body to the client byte-for-byte, flushing
// after every chunk and offering each chunk to the tap. It returns the
// bytes written and the first error: a *DestError for client-side write
// failures, the raw upstream error otherwise (io.EOF is success).
func Forward(dst io.Writer, src io.Reader, tap *Tap) (int64, error) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if tap != nil {
				tap.Offer(chunk)
			}
			wn, werr := dst.Write(chunk)
			written += int64(wn)
			if werr != nil {
				return written, &DestError{Err: werr}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}
