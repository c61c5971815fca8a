package ring

import "testing"

func TestBuffer_PushPop(t *testing.T) {
	b := New(10)
	b.Push([]float32{1, 2, 3})
	if b.Len() != 3 {
		t.Fatalf("expected len 3, got %d", b.Len())
	}
	got := b.Pop(2)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected pop result: %v", got)
	}
	if b.Len() != 1 {
		t.Fatalf("expected len 1 after pop, got %d", b.Len())
	}
}

func TestBuffer_OverwriteOnFull(t *testing.T) {
	b := New(4)
	b.Push([]float32{1, 2, 3, 4})
	dropped := b.Push([]float32{5, 6})
	if dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	if b.Len() != 4 {
		t.Fatalf("expected len capped at 4, got %d", b.Len())
	}
	got := b.Pop(4)
	want := []float32{3, 4, 5, 6}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("index %d: got %v, want %v", i, got[i], w)
		}
	}
}

func TestBuffer_PopMoreThanAvailable(t *testing.T) {
	b := New(10)
	b.Push([]float32{1, 2})
	got := b.Pop(5)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestBuffer_Trim(t *testing.T) {
	b := New(10)
	b.Push([]float32{1, 2, 3, 4, 5})
	dropped := b.Trim(2)
	if dropped != 3 {
		t.Fatalf("expected 3 dropped, got %d", dropped)
	}
	if b.Len() != 2 {
		t.Fatalf("expected len 2, got %d", b.Len())
	}
}

func TestBuffer_Reset(t *testing.T) {
	b := New(10)
	b.Push([]float32{1, 2, 3})
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after reset, got len %d", b.Len())
	}
}

func TestBuffer_Peek(t *testing.T) {
	b := New(10)
	b.Push([]float32{1, 2, 3})
	got := b.Peek(2)
	if len(got) != 2 || b.Len() != 3 {
		t.Fatalf("peek should not consume: got %v, len %d", got, b.Len())
	}
}
