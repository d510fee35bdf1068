package container

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zsiec/bufsched/internal/media"
	"github.com/zsiec/bufsched/internal/memsource"
	"github.com/zsiec/bufsched/internal/remote"
	"github.com/zsiec/bufsched/internal/sourcebuf"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocal(t *testing.T, latency time.Duration) (*Container, *memsource.Source) {
	t.Helper()
	src := memsource.NewSource(memsource.SourceConfig{
		ByteRate: 1000,
		Latency:  latency,
		Log:      discardLogger(),
	})
	c := New(NewLocalBackend(src, nil, discardLogger()), Config{Log: discardLogger()})
	t.Cleanup(c.Close)
	return c, src
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFuture(t *testing.T, f *sourcebuf.Future) (media.Ranges, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateEnded, "ended"},
		{State(9), "State(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestAddBufferRequiresOpen(t *testing.T) {
	t.Parallel()
	c, _ := newLocal(t, 0)

	if _, err := c.AddBuffer(media.KindVideo, "avc1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("AddBuffer while closed: err = %v, want ErrInvalidState", err)
	}
	select {
	case <-c.Ready():
		t.Fatal("Ready closed before Open")
	default:
	}

	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-c.Ready():
	default:
		t.Fatal("Ready not closed after Open")
	}
	if c.State() != StateOpen {
		t.Fatalf("State = %v, want open", c.State())
	}
}

func TestOneBufferPerKind(t *testing.T) {
	t.Parallel()
	c, src := newLocal(t, 0)
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}

	video, err := c.AddBuffer(media.KindVideo, "avc1")
	if err != nil {
		t.Fatal(err)
	}
	if video.Kind() != media.KindVideo {
		t.Fatalf("Kind = %v, want video", video.Kind())
	}
	if _, err := c.AddBuffer(media.KindVideo, "hvc1"); !errors.Is(err, ErrBufferExists) {
		t.Fatalf("second video buffer: err = %v, want ErrBufferExists", err)
	}
	if _, err := c.AddBuffer(media.KindAudio, "mp4a"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddBuffer(media.Kind(0), "x"); err == nil {
		t.Fatal("invalid kind accepted")
	}
	if got := src.Buffers(); got != 2 {
		t.Fatalf("source buffers = %d, want 2", got)
	}

	if b, ok := c.Buffer(media.KindAudio); !ok || b.Kind() != media.KindAudio {
		t.Fatalf("Buffer(audio) = %v, %v", b, ok)
	}

	c.RemoveBuffer(media.KindVideo)
	if _, ok := c.Buffer(media.KindVideo); ok {
		t.Fatal("video buffer still present after RemoveBuffer")
	}
	if got := src.Buffers(); got != 1 {
		t.Fatalf("source buffers after remove = %d, want 1", got)
	}
	if _, err := c.AddBuffer(media.KindVideo, "hvc1"); err != nil {
		t.Fatalf("re-adding video: %v", err)
	}
}

func TestPushThroughContainer(t *testing.T) {
	t.Parallel()
	c, _ := newLocal(t, time.Millisecond)
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	buf, err := c.AddBuffer(media.KindAudio, "mp4a")
	if err != nil {
		t.Fatal(err)
	}

	f, err := buf.AppendData(make([]byte, 500), media.PushParams{})
	if err != nil {
		t.Fatal(err)
	}
	ranges, err := waitFuture(t, f)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(media.Ranges{{Start: 0, End: 0.5}}, ranges); diff != "" {
		t.Fatalf("ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestSetDurationWaitsForIdle(t *testing.T) {
	t.Parallel()
	c, src := newLocal(t, 50*time.Millisecond)
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	buf, err := c.AddBuffer(media.KindVideo, "avc1")
	if err != nil {
		t.Fatal(err)
	}

	f, err := buf.AppendData(make([]byte, 100), media.PushParams{})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "append to start", src.Updating)

	if err := c.SetDuration(30); err != nil {
		t.Fatal(err)
	}
	if _, err := waitFuture(t, f); err != nil {
		t.Fatal(err)
	}
	eventually(t, "duration", func() bool { return src.Duration() == 30 })
}

func TestSetDurationValidation(t *testing.T) {
	t.Parallel()
	c, _ := newLocal(t, 0)
	for _, d := range []float64{-1, math.NaN()} {
		if err := c.SetDuration(d); !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("SetDuration(%g): err = %v, want ErrInvalidDuration", d, err)
		}
	}
}

func TestSetDurationBeforeOpen(t *testing.T) {
	t.Parallel()
	c, src := newLocal(t, 0)

	if err := c.SetDuration(5); err != nil {
		t.Fatal(err)
	}
	if err := c.SetDuration(8); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if d := src.Duration(); !math.IsNaN(d) {
		t.Fatalf("duration = %g before Open, want NaN", d)
	}

	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "duration", func() bool { return src.Duration() == 8 })
}

func TestMaintainEndOfStream(t *testing.T) {
	t.Parallel()
	c, src := newLocal(t, 10*time.Millisecond)
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	buf, err := c.AddBuffer(media.KindVideo, "avc1")
	if err != nil {
		t.Fatal(err)
	}

	if err := c.MaintainEndOfStream(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.WaitState(ctx, StateEnded); err != nil {
		t.Fatalf("WaitState(ended): %v", err)
	}
	if !src.Ended() {
		t.Fatal("source not ended")
	}

	f, err := buf.AppendData(make([]byte, 100), media.PushParams{})
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != StateOpen {
		t.Fatalf("State after push = %v, want open", c.State())
	}
	if _, err := waitFuture(t, f); err != nil {
		t.Fatal(err)
	}
	eventually(t, "ended again", func() bool { return c.State() == StateEnded && src.Ended() })
}

func TestStopEndOfStream(t *testing.T) {
	t.Parallel()
	c, src := newLocal(t, 0)
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	buf, err := c.AddBuffer(media.KindAudio, "mp4a")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MaintainEndOfStream(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "ended", func() bool { return c.State() == StateEnded })
	c.StopEndOfStream()

	f, err := buf.AppendData(make([]byte, 10), media.PushParams{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitFuture(t, f); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if c.State() != StateOpen {
		t.Fatalf("State = %v, want open", c.State())
	}
	if src.Ended() {
		t.Fatal("source ended again after StopEndOfStream")
	}
}

func TestCloseDisposesBuffers(t *testing.T) {
	t.Parallel()
	c, src := newLocal(t, time.Hour)
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	buf, err := c.AddBuffer(media.KindVideo, "avc1")
	if err != nil {
		t.Fatal(err)
	}
	f, err := buf.AppendData(make([]byte, 10), media.PushParams{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetDuration(4); err != nil {
		t.Fatal(err)
	}

	c.Close()
	if _, err := waitFuture(t, f); !errors.Is(err, sourcebuf.ErrCancelled) {
		t.Fatalf("pending append: err = %v, want ErrCancelled", err)
	}
	if got := src.Buffers(); got != 0 {
		t.Fatalf("source buffers = %d, want 0", got)
	}
	if c.State() != StateClosed {
		t.Fatalf("State = %v, want closed", c.State())
	}
	if err := c.Open(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Open after Close: err = %v, want ErrClosed", err)
	}
	if _, err := c.AddBuffer(media.KindAudio, "mp4a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddBuffer after Close: err = %v, want ErrClosed", err)
	}
	if err := c.MaintainEndOfStream(); !errors.Is(err, ErrClosed) {
		t.Fatalf("MaintainEndOfStream after Close: err = %v, want ErrClosed", err)
	}
	c.Close()
}

func TestRemoteBackend(t *testing.T) {
	t.Parallel()
	src := memsource.NewSource(memsource.SourceConfig{ByteRate: 1000, Log: discardLogger()})

	a, b := net.Pipe()
	client := remote.NewClient(a, remote.ClientConfig{Log: discardLogger()})
	host := remote.NewHost(b, remote.HostConfig{Source: src, Log: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	hostErr := make(chan error, 1)
	go func() { hostErr <- host.Run(ctx) }()
	go client.Run(ctx)

	c := New(NewRemoteBackend(client), Config{Log: discardLogger()})
	t.Cleanup(func() {
		c.Close()
		cancel()
		<-client.Done()
		<-hostErr
	})

	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	buf, err := c.AddBuffer(media.KindVideo, "avc1")
	if err != nil {
		t.Fatal(err)
	}
	f, err := buf.AppendData(make([]byte, 2000), media.PushParams{})
	if err != nil {
		t.Fatal(err)
	}
	ranges, err := waitFuture(t, f)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(media.Ranges{{Start: 0, End: 2}}, ranges); diff != "" {
		t.Fatalf("ranges mismatch (-want +got):\n%s", diff)
	}

	if err := c.SetDuration(12); err != nil {
		t.Fatal(err)
	}
	eventually(t, "host duration", func() bool { return src.Duration() == 12 })

	c.RemoveBuffer(media.KindVideo)
	eventually(t, "host buffer release", func() bool { return src.Buffers() == 0 })
}
