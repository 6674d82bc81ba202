package flightrecorder

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, keySize)
	meta := ChunkMeta{Index: 0, EventRange: [2]int{0, 2}, SpanIDs: []string{"s1"}, CreatedAt: "2024-01-01T00:00:00Z"}
	plaintext := []byte(`{"a":1}` + "\n" + `{"a":2}` + "\n")

	chunk, err := EncryptChunk(key, "k1", CompressionNone, meta, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptChunk(key, chunk)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncryptDecryptGzipRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, keySize)
	meta := ChunkMeta{Index: 1, EventRange: [2]int{2, 4}, SpanIDs: nil, CreatedAt: "2024-01-01T00:00:00Z"}
	plaintext := bytes.Repeat([]byte("event-line\n"), 200)

	chunk, err := EncryptChunk(key, "k1", CompressionGzip, meta, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptChunk(key, chunk)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("gzip round trip mismatch")
	}
}

func TestDecryptFailsOnTamperedMetadata(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, keySize)
	meta := ChunkMeta{Index: 0, EventRange: [2]int{0, 1}, SpanIDs: []string{"s1"}, CreatedAt: "t"}
	chunk, err := EncryptChunk(key, "k1", CompressionNone, meta, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	chunk.Meta.Index = 99 // mutate AAD after the fact
	if _, err := DecryptChunk(key, chunk); err == nil {
		t.Fatal("expected tampered metadata to fail AEAD verification")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x09}, keySize)
	meta := ChunkMeta{Index: 3, EventRange: [2]int{5, 9}, SpanIDs: []string{"s1", "s2"}, CreatedAt: "t"}
	chunk, err := EncryptChunk(key, "k1", CompressionNone, meta, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}

	frame, err := EncodeFrame(chunk)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeFrame(frame, chunk.KeyID, chunk.Compression)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ContentHashHex() != chunk.ContentHashHex() {
		t.Fatal("content hash mismatch after frame round trip")
	}
	plaintext, err := DecryptChunk(key, decoded)
	if err != nil {
		t.Fatalf("decrypt decoded frame: %v", err)
	}
	if string(plaintext) != "hello world" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestChunkBuilderCutsAtThreshold(t *testing.T) {
	provider := NewEphemeralKeyProvider()
	builder, err := NewChunkBuilder("sess-1", provider, 32, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}

	chunk, err := builder.AddEvent(0, "span-a", []byte(`{"id":"e0"}`))
	if err != nil {
		t.Fatal(err)
	}
	if chunk != nil {
		t.Fatal("expected no chunk cut before threshold")
	}

	chunk, err = builder.AddEvent(1, "span-a", []byte(`{"id":"e1-longer-payload"}`))
	if err != nil {
		t.Fatal(err)
	}
	if chunk == nil {
		t.Fatal("expected threshold crossing to cut a chunk")
	}
	if chunk.Meta.Index != 0 {
		t.Fatalf("expected first chunk index 0, got %d", chunk.Meta.Index)
	}
	if chunk.Meta.EventRange != [2]int{0, 1} {
		t.Fatalf("unexpected event range %v", chunk.Meta.EventRange)
	}
	if len(chunk.Meta.SpanIDs) != 1 || chunk.Meta.SpanIDs[0] != "span-a" {
		t.Fatalf("unexpected span ids %v", chunk.Meta.SpanIDs)
	}

	final, err := builder.Finalize(1)
	if err != nil {
		t.Fatal(err)
	}
	if final != nil {
		t.Fatal("expected nothing buffered after the cut")
	}
}

func TestChunkBuilderFinalizeFlushesRemainder(t *testing.T) {
	provider := NewEphemeralKeyProvider()
	builder, err := NewChunkBuilder("sess-2", provider, 4096, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := builder.AddEvent(0, "span-a", []byte(`{"id":"e0"}`)); err != nil {
		t.Fatal(err)
	}
	chunk, err := builder.Finalize(0)
	if err != nil {
		t.Fatal(err)
	}
	if chunk == nil {
		t.Fatal("expected finalize to cut the remaining buffer")
	}
	if chunk.Meta.Index != 0 {
		t.Fatalf("expected index 0, got %d", chunk.Meta.Index)
	}
}

func TestDerivedKeyProviderIsDeterministic(t *testing.T) {
	p := &DerivedKeyProvider{MasterKey: []byte("master-secret")}
	k1, id1, err := p.ChunkKey("session-a")
	if err != nil {
		t.Fatal(err)
	}
	k2, id2, err := p.ChunkKey("session-a")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) || id1 != id2 {
		t.Fatal("derived key provider should be deterministic for the same session id")
	}
	k3, _, err := p.ChunkKey("session-b")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("distinct sessions should derive distinct keys")
	}
}

func TestEphemeralKeyProviderForgetDropsKey(t *testing.T) {
	p := NewEphemeralKeyProvider()
	k1, _, err := p.ChunkKey("s")
	if err != nil {
		t.Fatal(err)
	}
	p.Forget("s")
	k2, _, err := p.ChunkKey("s")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1, k2) {
		t.Fatal("expected a fresh key after Forget")
	}
}
