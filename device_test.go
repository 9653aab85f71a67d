package gal

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gal/backend"
	"github.com/gogpu/gal/backend/soft"
	"github.com/gogpu/gal/gpucore"
)

func TestOpenErrors(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want error
	}{
		{"unknown backend", []Option{WithBackend("no-such-backend")}, backend.ErrBackendNotAvailable},
		{"adapter filter", []Option{WithBackendInstance(soft.New()), WithAdapter("radeon")}, ErrNoAdapter},
		{"too many queues", []Option{
			WithBackendInstance(soft.New()),
			WithQueues(gpucore.QueueRequest{Family: 0, Count: 5}),
		}, ErrNoQueueFamily},
		{"unknown family", []Option{
			WithBackendInstance(soft.New()),
			WithQueues(gpucore.QueueRequest{Family: 9, Count: 1}),
		}, ErrNoQueueFamily},
		{"no families", []Option{WithBackendInstance(soft.New(soft.WithQueueFamilies()))}, ErrNoQueueFamily},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Open(tt.opts...)
			if err == nil {
				d.Close()
				t.Fatal("Open() succeeded")
			}
			var dce *DeviceCreationError
			if !errors.As(err, &dce) {
				t.Fatalf("Open() error = %T %v, want *DeviceCreationError", err, err)
			}
			if !errors.Is(err, ErrDeviceCreation) {
				t.Error("error does not match ErrDeviceCreation")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Open() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOpenInfo(t *testing.T) {
	d := openSoft(t, soft.WithAdapterName("test adapter"))

	if d.Backend() != soft.Name {
		t.Errorf("Backend() = %q, want %q", d.Backend(), soft.Name)
	}
	if d.Info().Name != "test adapter" {
		t.Errorf("Info().Name = %q", d.Info().Name)
	}
	if d.Label() != t.Name() {
		t.Errorf("Label() = %q, want %q", d.Label(), t.Name())
	}
	fams := d.Families()
	if len(fams) != 2 || fams[0].Count != 2 || fams[1].Count != 1 {
		t.Errorf("Families() = %+v, want 2 families with 2 and 1 queues", fams)
	}
	if d.Limits().MaxPushConstantSize == 0 {
		t.Error("Limits().MaxPushConstantSize = 0")
	}
	other := openSoft(t)
	if d.ID() == other.ID() {
		t.Error("two devices share an ID")
	}
}

func TestOpenLimitedQueues(t *testing.T) {
	d, err := Open(WithBackendInstance(soft.New()), WithQueues(gpucore.QueueRequest{Family: 0, Count: 1}))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer d.Close()

	fams := d.Families()
	if len(fams) != 1 || fams[0].Count != 1 {
		t.Fatalf("Families() = %+v, want family 0 with 1 queue", fams)
	}
	if _, err := d.TakeQueue(1); !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("TakeQueue(1) error = %v, want ErrQueueUnavailable", err)
	}
}

func TestCopyRoundTripReusingCommandBuffer(t *testing.T) {
	d := openSoft(t)
	q := mustQueue(t, d, 0)

	const size = 64
	src := hostBuffer(t, d, "src", size)
	defer src.Release()
	dst := hostBuffer(t, d, "dst", size)
	defer dst.Release()
	pool := mustPool(t, d, 0, gpucore.PoolTransient)
	defer pool.Release()
	cb := mustAllocate(t, pool)
	fence := mustFence(t, d, "copy", false)
	defer fence.Release()

	introspect, ok := d.Raw().(gpucore.Introspector)
	if !ok {
		t.Fatal("soft device does not implement gpucore.Introspector")
	}
	liveBefore := d.Stats().Live
	rawBefore := introspect.LiveObjects()

	for round := range 3 {
		data := bytes.Repeat([]byte{byte(round + 1)}, size)
		if err := src.Write(0, data); err != nil {
			t.Fatalf("round %d: Write() error = %v", round, err)
		}
		if err := dst.Write(0, make([]byte, size)); err != nil {
			t.Fatalf("round %d: Write() error = %v", round, err)
		}
		if round > 0 {
			if err := pool.Reset(); err != nil {
				t.Fatalf("round %d: pool Reset() error = %v", round, err)
			}
		}

		recordCopy(t, cb, src, dst)
		if err := q.Submit(Submission{CommandBuffers: []*CommandBuffer{cb}, Fence: fence}); err != nil {
			t.Fatalf("round %d: Submit() error = %v", round, err)
		}
		if st := cb.State(); st != StatePending && st != StateInitial {
			t.Fatalf("round %d: state after submit = %v", round, st)
		}
		waitSignaled(t, fence)
		if st := cb.State(); st != StateInitial {
			t.Fatalf("round %d: state after fence = %v, want %v", round, st, StateInitial)
		}
		if err := fence.Reset(); err != nil {
			t.Fatalf("round %d: fence Reset() error = %v", round, err)
		}

		got := make([]byte, size)
		if err := dst.Read(0, got); err != nil {
			t.Fatalf("round %d: Read() error = %v", round, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("round %d: dst = %v, want %v", round, got[:4], data[:4])
		}

		for k, n := range d.Stats().Live {
			if liveBefore[k] != n {
				t.Errorf("round %d: live %s = %d, want %d", round, k, n, liveBefore[k])
			}
		}
		for k, n := range introspect.LiveObjects() {
			if rawBefore[k] != n {
				t.Errorf("round %d: raw live %s = %d, want %d", round, k, n, rawBefore[k])
			}
		}
	}

	s := d.Stats()
	if s.Submissions != 3 || s.SubmittedCommandBuffers != 3 {
		t.Errorf("Stats() submissions = %d/%d, want 3/3", s.Submissions, s.SubmittedCommandBuffers)
	}
	if s.PendingCommandBuffers != 0 {
		t.Errorf("PendingCommandBuffers = %d, want 0", s.PendingCommandBuffers)
	}
}

func TestPollRetires(t *testing.T) {
	d := openSoft(t, soft.WithExecutionDelay(20*time.Millisecond))
	q := mustQueue(t, d, 0)

	src := hostBuffer(t, d, "src", 16)
	dst := hostBuffer(t, d, "dst", 16)
	pool := mustPool(t, d, 0)
	cb := mustAllocate(t, pool)
	fence := mustFence(t, d, "poll", false)

	recordCopy(t, cb, src, dst)
	if err := q.Submit(Submission{CommandBuffers: []*CommandBuffer{cb}, Fence: fence}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := d.Poll(false); err != nil {
		t.Fatalf("Poll(false) error = %v", err)
	}
	if err := d.Poll(true); err != nil {
		t.Fatalf("Poll(true) error = %v", err)
	}
	if st := cb.State(); st != StateInitial {
		t.Errorf("state after Poll(true) = %v, want %v", st, StateInitial)
	}
	if n := d.Stats().PendingCommandBuffers; n != 0 {
		t.Errorf("PendingCommandBuffers = %d, want 0", n)
	}
}

func TestCloseReleasesLeaks(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d, err := Open(WithBackendInstance(soft.New()), WithLogger(log))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	raw := d.Raw().(gpucore.Introspector)

	buf := hostBuffer(t, d, "leaked-buffer", 32)
	_ = mustFence(t, d, "leaked-fence", true)
	pool := mustPool(t, d, 0)
	_ = mustAllocate(t, pool)

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !buf.Released() || !pool.Released() {
		t.Error("Close left guards unreleased")
	}
	for k, n := range raw.LiveObjects() {
		if n != 0 {
			t.Errorf("raw live %s = %d after Close", k, n)
		}
	}
	out := logs.String()
	if !strings.Contains(out, "object released by Close") || !strings.Contains(out, "leaked-buffer") {
		t.Errorf("leak warnings missing from log:\n%s", out)
	}
	if !strings.Contains(out, "device closed") {
		t.Errorf("close not logged:\n%s", out)
	}
}

func TestWithConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
backends = ["soft"]
label = "configured"
fence_timeout = "250ms"

[[queues]]
family = 0
count = 1
`))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	d, err := Open(WithConfig(cfg))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer d.Close()

	if d.Label() != "configured" {
		t.Errorf("Label() = %q, want %q", d.Label(), "configured")
	}
	if d.fenceTimeout != 250*time.Millisecond {
		t.Errorf("fence timeout = %v, want 250ms", d.fenceTimeout)
	}
	if fams := d.Families(); len(fams) != 1 || fams[0].Count != 1 {
		t.Errorf("Families() = %+v", fams)
	}
}

func TestHostAccessRangeFaults(t *testing.T) {
	d := openSoft(t)
	buf := hostBuffer(t, d, "host", 64)
	t.Cleanup(buf.Release)

	mustFault(t, "outside buffer", func() { _ = buf.Write(^uint64(0)-3, make([]byte, 8)) })
	mustFault(t, "outside buffer", func() { _ = buf.Read(60, make([]byte, 8)) })
	mustFault(t, "outside buffer", func() { _ = buf.Read(0, make([]byte, 65)) })
	if err := buf.Write(56, make([]byte, 8)); err != nil {
		t.Errorf("Write() at the tail error = %v", err)
	}
}
