package bufpool

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestPool_GetPut(t *testing.T) {
	pool := New(4096)

	buf := pool.Get()
	if len(buf) != 4096 {
		t.Fatalf("expected buffer length 4096, got %d", len(buf))
	}
	pool.Put(buf)

	buf = pool.Get()
	if len(buf) != 4096 {
		t.Fatalf("reused buffer length = %d, want 4096", len(buf))
	}
	if pool.BufSize() != 4096 {
		t.Fatalf("BufSize() = %d, want 4096", pool.BufSize())
	}
}

func TestPool_PutSmallBufferDiscarded(t *testing.T) {
	pool := New(1024)
	pool.Put(make([]byte, 10))
	for i := 0; i < 4; i++ {
		if got := len(pool.Get()); got != 1024 {
			t.Fatalf("Get() length = %d, want 1024", got)
		}
	}
}

func TestNew_PanicsOnNonPositiveSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(0)
}

func TestReadAll(t *testing.T) {
	pool := New(7)
	payload := strings.Repeat("assetflux", 100)

	got, err := pool.ReadAll(strings.NewReader(payload), 0, int64(len(payload)))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != payload {
		t.Fatalf("ReadAll() returned %d bytes, want %d", len(got), len(payload))
	}
}

func TestReadAll_Limit(t *testing.T) {
	pool := New(16)
	body := bytes.Repeat([]byte{'x'}, 100)

	got, err := pool.ReadAll(bytes.NewReader(body), 100, 0)
	if err != nil || len(got) != 100 {
		t.Fatalf("exact limit: len=%d err=%v", len(got), err)
	}

	got, err = pool.ReadAll(bytes.NewReader(body), 99, 0)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if len(got) != 99 {
		t.Fatalf("truncated length = %d, want 99", len(got))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestReadAll_PropagatesReadError(t *testing.T) {
	pool := New(16)
	if _, err := pool.ReadAll(failingReader{}, 0, 0); err == nil {
		t.Fatal("expected error")
	}
}
