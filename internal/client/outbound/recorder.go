package outbound

import (
	"bytes"
	"context"
	"sync"
	"time"

	"onetimechat/backend/internal/models"

	"github.com/jonboulle/clockwork"
)

const (
	VoiceContentType = "audio/webm"
	VoiceExt         = "webm"
)

// Stream is an acquired microphone. Stop releases the device and closes
// Chunks once buffered data has been delivered.
type Stream interface {
	Chunks() <-chan []byte
	Stop() error
}

type Microphone interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Recording is a finished voice clip.
type Recording struct {
	Data        []byte
	ContentType string
	Duration    time.Duration
}

// Recorder owns at most one microphone stream at a time.
type Recorder struct {
	mic   Microphone
	clock clockwork.Clock

	mu      sync.Mutex
	stream  Stream
	started time.Time
	buf     *bytes.Buffer
	done    chan struct{}
}

func NewRecorder(mic Microphone, clock clockwork.Clock) *Recorder {
	return &Recorder{mic: mic, clock: clock}
}

// Start acquires the microphone. It fails while a recording is running.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		return models.ErrAlreadyRecording
	}

	stream, err := r.mic.Acquire(ctx)
	if err != nil {
		return err
	}
	buf := &bytes.Buffer{}
	done := make(chan struct{})
	r.stream, r.started, r.buf, r.done = stream, r.clock.Now(), buf, done

	go func() {
		defer close(done)
		for chunk := range stream.Chunks() {
			buf.Write(chunk)
		}
	}()
	return nil
}

// Stop releases the microphone and returns what was recorded.
func (r *Recorder) Stop() (Recording, error) {
	buf, d, err := r.release()
	if err != nil {
		return Recording{}, err
	}
	return Recording{Data: buf.Bytes(), ContentType: VoiceContentType, Duration: d}, nil
}

// Cancel releases the microphone and drops the recording. It is a no-op when
// not recording.
func (r *Recorder) Cancel() {
	_, _, _ = r.release()
}

func (r *Recorder) release() (*bytes.Buffer, time.Duration, error) {
	r.mu.Lock()
	stream, buf, done, started := r.stream, r.buf, r.done, r.started
	r.stream, r.buf, r.done = nil, nil, nil
	r.mu.Unlock()

	if stream == nil {
		return nil, 0, models.ErrNotRecording
	}
	err := stream.Stop()
	<-done
	return buf, r.clock.Since(started), err
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream != nil
}

// Duration is how long the current recording has run, or 0.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream == nil {
		return 0
	}
	return r.clock.Since(r.started)
}
