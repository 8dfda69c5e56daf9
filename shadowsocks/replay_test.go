package shadowsocks

import "testing"

func TestReplayCacheRejectsDuplicate(t *testing.T) {
	cache := NewReplayCache(100)
	salt := []byte("0123456789abcdef")

	if !cache.CheckAndInsert(salt) {
		t.Fatal("first sight of a salt must be reported fresh")
	}
	if cache.CheckAndInsert(salt) {
		t.Fatal("second sight of the same salt must be reported as a duplicate")
	}
}

func TestReplayCacheDistinguishesSalts(t *testing.T) {
	cache := NewReplayCache(100)
	if !cache.CheckAndInsert([]byte("salt-one")) {
		t.Fatal("expected salt-one to be fresh")
	}
	if !cache.CheckAndInsert([]byte("salt-two")) {
		t.Fatal("expected salt-two to be fresh and independent of salt-one")
	}
}

func TestReplayCacheRotatesGenerations(t *testing.T) {
	const capacity = 4
	cache := NewReplayCache(capacity)

	// Fill past capacity so the active generation rotates into the archive.
	for i := 0; i < capacity+2; i++ {
		salt := []byte{byte(i), byte(i >> 8)}
		if !cache.CheckAndInsert(salt) {
			t.Fatalf("salt %d should have been fresh on first insertion", i)
		}
	}

	// Salts from before rotation must still be rejected as duplicates: the
	// archive generation still holds them.
	if cache.CheckAndInsert([]byte{0, 0}) {
		t.Fatal("salt from the archived generation was not rejected")
	}
}
