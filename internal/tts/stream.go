package tts

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

const (
	readChunkSize = 4096
	chunkBuffer   = 16
)

// streamRegistry tracks cancel functions of in-flight streams by id
type streamRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{cancels: make(map[string]context.CancelFunc)}
}

// open derives a cancellable context for a stream and registers it under id
func (r *streamRegistry) open(ctx context.Context, id string) (context.Context, context.CancelFunc) {
	streamCtx, cancel := context.WithCancel(ctx)
	if id == "" {
		return streamCtx, cancel
	}

	r.mu.Lock()
	if prev, ok := r.cancels[id]; ok {
		prev()
	}
	r.cancels[id] = cancel
	r.mu.Unlock()

	return streamCtx, cancel
}

// cancel stops the stream with id. Returns false for an unknown id.
func (r *streamRegistry) cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	delete(r.cancels, id)
	r.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// done removes id once its stream has finished
func (r *streamRegistry) done(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
}

func (r *streamRegistry) cancelAll() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (r *streamRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}

// closedStream is returned for blank text
func closedStream() <-chan AudioChunk {
	ch := make(chan AudioChunk)
	close(ch)
	return ch
}

// pumpPCM reads body in 4096-byte reads and sends 16-bit aligned chunks to out,
// applying transform to each chunk when set. It returns the number of bytes
// delivered. A cancelled ctx ends the stream without an error chunk.
func pumpPCM(ctx context.Context, body io.Reader, out chan<- AudioChunk, transform func([]byte) ([]byte, error), logger zerolog.Logger) int {
	buf := make([]byte, readChunkSize)
	var carry []byte
	delivered := 0

	send := func(chunk AudioChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			even := len(data) - len(data)%2
			carry = append([]byte(nil), data[even:]...)

			if even > 0 {
				chunk := append([]byte(nil), data[:even]...)
				if transform != nil {
					var terr error
					if chunk, terr = transform(chunk); terr != nil {
						send(AudioChunk{Err: terr})
						return delivered
					}
				}
				if len(chunk) > 0 {
					if !send(AudioChunk{Data: chunk}) {
						return delivered
					}
					delivered += len(chunk)
				}
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return delivered
			}
			if !errors.Is(err, io.EOF) {
				send(AudioChunk{Err: err})
				return delivered
			}
			if len(carry) > 0 {
				logger.Debug().Int("bytes", len(carry)).Msg("Dropping unaligned trailing audio")
			}
			return delivered
		}

		if ctx.Err() != nil {
			return delivered
		}
	}
}
