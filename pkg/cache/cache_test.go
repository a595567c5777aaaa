package cache

import (
	"bytes"
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := NewMemory(time.Minute)
	if _, ok := c.Get("missing"); ok {
		t.Error("hit on empty cache")
	}
	c.Set("k", []byte("v"))
	got, ok := c.Get("k")
	if !ok || !bytes.Equal(got, []byte("v")) {
		t.Errorf("Get = %q, %v", got, ok)
	}
}

func TestExpiry(t *testing.T) {
	c := NewMemory(10 * time.Millisecond)
	c.Set("k", []byte("v"))
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("entry survived its ttl")
	}
}

func TestDelete(t *testing.T) {
	c := NewMemory(time.Minute)
	c.Set("k", []byte("v"))
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("entry survived delete")
	}
}
