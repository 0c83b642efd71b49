package store

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"time"
)

// Memory implements Client entirely in process. It is the unit-test fake and
// the degraded-mode backend: every conditional operation runs as a
// read-modify-write under one mutex, which gives the same atomicity the Redis
// implementation gets from server-side Lua.
type Memory struct {
	mu     sync.Mutex
	vals   map[string]memVal
	bits   map[string][]byte
	offset time.Duration
}

type memVal struct {
	data     string
	deadline time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		vals: make(map[string]memVal),
		bits: make(map[string][]byte),
	}
}

// FastForward advances the store clock by d so TTL expiry can be tested
// without sleeping, mirroring the miniredis helper of the same name.
func (s *Memory) FastForward(d time.Duration) {
	s.mu.Lock()
	s.offset += d
	s.mu.Unlock()
}

func (s *Memory) now() time.Time {
	return time.Now().Add(s.offset)
}

// load returns the live value for key, discarding it first if expired.
// Callers must hold s.mu.
func (s *Memory) load(key string) (memVal, bool) {
	v, ok := s.vals[key]
	if !ok {
		return memVal{}, false
	}
	if !v.deadline.IsZero() && s.now().After(v.deadline) {
		delete(s.vals, key)
		return memVal{}, false
	}
	return v, true
}

// SetNX implements Client.SetNX.
func (s *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.load(key); ok {
		return false, nil
	}
	v := memVal{data: value}
	if ttl > 0 {
		v.deadline = s.now().Add(ttl)
	}
	s.vals[key] = v
	return true, nil
}

// Get implements Client.Get.
func (s *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.load(key)
	if !ok {
		return "", false, nil
	}
	return v.data, true, nil
}

// Del implements Client.Del.
func (s *Memory) Del(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hadVal := s.load(key)
	_, hadBits := s.bits[key]
	delete(s.vals, key)
	delete(s.bits, key)
	return hadVal || hadBits, nil
}

// CompareAndDelete implements Client.CompareAndDelete.
func (s *Memory) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.load(key)
	if !ok || v.data != expected {
		return false, nil
	}
	delete(s.vals, key)
	return true, nil
}

// CompareAndExpire implements Client.CompareAndExpire.
func (s *Memory) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.load(key)
	if !ok || v.data != expected {
		return false, nil
	}
	if ttl > 0 {
		v.deadline = s.now().Add(ttl)
	} else {
		v.deadline = time.Time{}
	}
	s.vals[key] = v
	return true, nil
}

// GetBit implements Client.GetBit.
func (s *Memory) GetBit(ctx context.Context, key string, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("store: negative bit offset %d", offset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBit(key, offset), nil
}

func (s *Memory) getBit(key string, offset int64) int {
	b := s.bits[key]
	idx := int(offset / 8)
	if idx >= len(b) {
		return 0
	}
	if b[idx]&(1<<(7-offset%8)) != 0 {
		return 1
	}
	return 0
}

// SetBit implements Client.SetBit. The bitmap grows as needed; bit 0 is the
// most significant bit of the first byte, matching the Redis layout.
func (s *Memory) SetBit(ctx context.Context, key string, offset int64, value int) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("store: negative bit offset %d", offset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bits[key]
	idx := int(offset / 8)
	if idx >= len(b) {
		nb := make([]byte, idx+1)
		copy(nb, b)
		b = nb
		s.bits[key] = b
	}
	mask := byte(1 << (7 - offset%8))
	prev := 0
	if b[idx]&mask != 0 {
		prev = 1
	}
	if value != 0 {
		b[idx] |= mask
	} else {
		b[idx] &^= mask
	}
	return prev, nil
}

// BitCount implements Client.BitCount.
func (s *Memory) BitCount(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, by := range s.bits[key] {
		n += int64(bits.OnesCount8(by))
	}
	return n, nil
}

// GetMulti implements Client.GetMulti.
func (s *Memory) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.load(k); ok {
			out[k] = v.data
		}
	}
	return out, nil
}

// GetBits implements Client.GetBits.
func (s *Memory) GetBits(ctx context.Context, key string, offsets []int64) (map[int64]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]int, len(offsets))
	for _, off := range offsets {
		if off < 0 {
			return nil, fmt.Errorf("store: negative bit offset %d", off)
		}
		out[off] = s.getBit(key, off)
	}
	return out, nil
}
