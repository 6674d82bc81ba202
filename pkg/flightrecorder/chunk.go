package flightrecorder

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/proofkeep/flightcore/pkg/canon"
)

const (
	// DefaultChunkSizeBytes is the default threshold at which accumulated
	// plaintext is cut into a chunk (4 MiB per spec §4.4).
	DefaultChunkSizeBytes = 4 * 1024 * 1024

	nonceSize = 12
	tagSize   = 16
	keySize   = 32

	// CompressionNone and CompressionGzip select the chunk pipeline's
	// compression stage.
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

var (
	ErrUnknownCompression = errors.New("flightrecorder: unknown compression mode")
	ErrShortFrame         = errors.New("flightrecorder: chunk frame too short")
	ErrInvalidKeySize     = errors.New("flightrecorder: key must be 32 bytes for AES-256")
)

// ChunkMeta is the associated data bound to a chunk's ciphertext: mutating
// any field invalidates the AEAD tag.
type ChunkMeta struct {
	Index      int      `json:"index"`
	EventRange [2]int   `json:"eventRange"`
	SpanIDs    []string `json:"spanIds"`
	CreatedAt  string   `json:"createdAt"`
}

// Chunk is one sealed, content-addressed segment of the event log.
type Chunk struct {
	Meta        ChunkMeta
	Nonce       [nonceSize]byte
	Tag         [tagSize]byte
	Ciphertext  []byte
	ContentHash [32]byte
	KeyID       string
	Compression string
}

// ContentHashHex returns the chunk's content hash hex-encoded.
func (c *Chunk) ContentHashHex() string {
	return hex.EncodeToString(c.ContentHash[:])
}

// KeyProvider resolves the AEAD key used to seal a session's chunks.
type KeyProvider interface {
	// ChunkKey returns a 32-byte AES-256 key and an identifier for it.
	// The identifier is recorded alongside the chunk but the key itself
	// is never persisted by this package.
	ChunkKey(sessionID string) (key []byte, keyID string, err error)
}

// EphemeralKeyProvider generates one random key per session, the first time
// it is asked, and holds it only in memory for the life of the process.
type EphemeralKeyProvider struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewEphemeralKeyProvider returns a provider with no keys generated yet.
func NewEphemeralKeyProvider() *EphemeralKeyProvider {
	return &EphemeralKeyProvider{keys: make(map[string][]byte)}
}

func (p *EphemeralKeyProvider) ChunkKey(sessionID string) ([]byte, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key, ok := p.keys[sessionID]; ok {
		return key, "ephemeral:" + sessionID, nil
	}
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, "", fmt.Errorf("flightrecorder: generate ephemeral key: %w", err)
	}
	p.keys[sessionID] = key
	return key, "ephemeral:" + sessionID, nil
}

// Forget drops a session's ephemeral key so it cannot be recovered after
// finalize, per spec §4.4's "dropped after finalize" requirement.
func (p *EphemeralKeyProvider) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, sessionID)
}

// DerivedKeyProvider derives a per-session key from a master key via
// HKDF-SHA256, so no per-session state needs to be stored at all.
type DerivedKeyProvider struct {
	MasterKey []byte
	// Salt defaults to 32 zero bytes when nil, per spec §4.4.
	Salt []byte
}

func (p *DerivedKeyProvider) ChunkKey(sessionID string) ([]byte, string, error) {
	salt := p.Salt
	if salt == nil {
		salt = make([]byte, 32)
	}
	kdf := hkdf.New(sha256.New, p.MasterKey, salt, []byte(sessionID))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, "", fmt.Errorf("flightrecorder: derive key: %w", err)
	}
	return key, "derived:" + sessionID, nil
}

// ExternalKeyProvider resolves keys out of band (an HSM, a secrets
// manager); the resolved key body is held only for the duration of a
// single encrypt/decrypt call.
type ExternalKeyProvider struct {
	Resolve func(sessionID string) (key []byte, keyID string, err error)
}

func (p *ExternalKeyProvider) ChunkKey(sessionID string) ([]byte, string, error) {
	if p.Resolve == nil {
		return nil, "", errors.New("flightrecorder: external key provider has no resolver")
	}
	return p.Resolve(sessionID)
}

// ChunkBuilder accumulates newline-delimited canonical event JSON and cuts
// it into AEAD-sealed chunks once the configured size threshold is crossed.
type ChunkBuilder struct {
	mu             sync.Mutex
	sessionID      string
	keyProvider    KeyProvider
	chunkSizeBytes int
	compression    string
	clock          func() time.Time

	buf        bytes.Buffer
	eventStart int
	eventCount int
	spanOrder  []string
	spanSeen   map[string]struct{}
	nextIndex  int
}

// NewChunkBuilder constructs a builder. chunkSizeBytes <= 0 selects
// DefaultChunkSizeBytes; compression must be CompressionNone or
// CompressionGzip.
func NewChunkBuilder(sessionID string, keyProvider KeyProvider, chunkSizeBytes int, compression string) (*ChunkBuilder, error) {
	if compression != CompressionNone && compression != CompressionGzip {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, compression)
	}
	if chunkSizeBytes <= 0 {
		chunkSizeBytes = DefaultChunkSizeBytes
	}
	return &ChunkBuilder{
		sessionID:      sessionID,
		keyProvider:    keyProvider,
		chunkSizeBytes: chunkSizeBytes,
		compression:    compression,
		clock:          time.Now,
		spanSeen:       make(map[string]struct{}),
	}, nil
}

// AddEvent appends one canonical event JSON line to the buffer. If this
// push crosses the size threshold, the accumulated buffer is sealed into a
// chunk and returned; otherwise it returns nil.
func (b *ChunkBuilder) AddEvent(seq int, spanID string, canonicalEventJSON []byte) (*Chunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buf.Len() == 0 {
		b.eventStart = seq
	}
	b.buf.Write(canonicalEventJSON)
	b.buf.WriteByte('\n')
	b.eventCount++
	if _, ok := b.spanSeen[spanID]; spanID != "" && !ok {
		b.spanSeen[spanID] = struct{}{}
		b.spanOrder = append(b.spanOrder, spanID)
	}

	if b.buf.Len() < b.chunkSizeBytes {
		return nil, nil
	}
	return b.cutLocked(seq)
}

// Finalize seals any remaining buffered events into a final chunk. It
// returns nil if nothing is buffered.
func (b *ChunkBuilder) Finalize(lastSeq int) (*Chunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return nil, nil
	}
	return b.cutLocked(lastSeq)
}

func (b *ChunkBuilder) cutLocked(lastSeq int) (*Chunk, error) {
	plaintext := append([]byte(nil), b.buf.Bytes()...)
	meta := ChunkMeta{
		Index:      b.nextIndex,
		EventRange: [2]int{b.eventStart, lastSeq},
		SpanIDs:    append([]string(nil), b.spanOrder...),
		CreatedAt:  b.clock().UTC().Format(time.RFC3339),
	}

	key, keyID, err := b.keyProvider.ChunkKey(b.sessionID)
	if err != nil {
		return nil, fmt.Errorf("flightrecorder: resolve chunk key: %w", err)
	}

	chunk, err := EncryptChunk(key, keyID, b.compression, meta, plaintext)
	if err != nil {
		return nil, err
	}

	b.buf.Reset()
	b.eventCount = 0
	b.spanOrder = nil
	b.spanSeen = make(map[string]struct{})
	b.nextIndex++
	return chunk, nil
}

// EncryptChunk compresses (if configured), seals, and content-addresses
// plaintext into a Chunk, independent of any ChunkBuilder state.
func EncryptChunk(key []byte, keyID, compression string, meta ChunkMeta, plaintext []byte) (*Chunk, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKeySize
	}

	compressed, err := compressBytes(compression, plaintext)
	if err != nil {
		return nil, err
	}

	aad, err := canon.Canonicalize(meta)
	if err != nil {
		return nil, fmt.Errorf("flightrecorder: canonicalize chunk metadata: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("flightrecorder: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("flightrecorder: init gcm: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("flightrecorder: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce[:], compressed, aad)
	ciphertext := sealed[:len(sealed)-tagSize]
	var tag [tagSize]byte
	copy(tag[:], sealed[len(sealed)-tagSize:])

	contentHash := contentHashOf(ciphertext, nonce, tag)

	return &Chunk{
		Meta:        meta,
		Nonce:       nonce,
		Tag:         tag,
		Ciphertext:  ciphertext,
		ContentHash: contentHash,
		KeyID:       keyID,
		Compression: compression,
	}, nil
}

// DecryptChunk reverses EncryptChunk: it verifies the AEAD tag against the
// chunk's recorded metadata and returns the original plaintext.
func DecryptChunk(key []byte, c *Chunk) ([]byte, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKeySize
	}
	aad, err := canon.Canonicalize(c.Meta)
	if err != nil {
		return nil, fmt.Errorf("flightrecorder: canonicalize chunk metadata: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("flightrecorder: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("flightrecorder: init gcm: %w", err)
	}

	sealed := make([]byte, 0, len(c.Ciphertext)+tagSize)
	sealed = append(sealed, c.Ciphertext...)
	sealed = append(sealed, c.Tag[:]...)

	compressed, err := gcm.Open(nil, c.Nonce[:], sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("flightrecorder: aead open: %w", err)
	}
	return decompressBytes(c.Compression, compressed)
}

func contentHashOf(ciphertext []byte, nonce [nonceSize]byte, tag [tagSize]byte) [32]byte {
	combined := make([]byte, 0, len(ciphertext)+nonceSize+tagSize)
	combined = append(combined, ciphertext...)
	combined = append(combined, nonce[:]...)
	combined = append(combined, tag[:]...)
	return canon.Hash(canon.DomainEncryptedChunk, combined)
}

func compressBytes(mode string, data []byte) ([]byte, error) {
	switch mode {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("flightrecorder: gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("flightrecorder: gzip close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, mode)
	}
}

func decompressBytes(mode string, data []byte) ([]byte, error) {
	switch mode {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("flightrecorder: gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, mode)
	}
}

// EncodeFrame serializes a chunk to its on-disk layout:
// u32_le(meta_len) || meta_json || nonce(12) || tag(16) || ciphertext.
func EncodeFrame(c *Chunk) ([]byte, error) {
	metaJSON, err := json.Marshal(c.Meta)
	if err != nil {
		return nil, fmt.Errorf("flightrecorder: marshal chunk metadata: %w", err)
	}

	var buf bytes.Buffer
	var metaLen [4]byte
	binary.LittleEndian.PutUint32(metaLen[:], uint32(len(metaJSON)))
	buf.Write(metaLen[:])
	buf.Write(metaJSON)
	buf.Write(c.Nonce[:])
	buf.Write(c.Tag[:])
	buf.Write(c.Ciphertext)
	return buf.Bytes(), nil
}

// DecodeFrame parses a chunk frame written by EncodeFrame. KeyID and
// Compression are not part of the on-disk frame and must be supplied by the
// caller from out-of-band chunk records (e.g. the manifest).
func DecodeFrame(frame []byte, keyID, compression string) (*Chunk, error) {
	if len(frame) < 4 {
		return nil, ErrShortFrame
	}
	metaLen := binary.LittleEndian.Uint32(frame[:4])
	rest := frame[4:]
	if uint32(len(rest)) < metaLen {
		return nil, ErrShortFrame
	}
	metaJSON := rest[:metaLen]
	rest = rest[metaLen:]

	if len(rest) < nonceSize+tagSize {
		return nil, ErrShortFrame
	}
	var meta ChunkMeta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("flightrecorder: unmarshal chunk metadata: %w", err)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], rest[:nonceSize])
	rest = rest[nonceSize:]
	var tag [tagSize]byte
	copy(tag[:], rest[:tagSize])
	ciphertext := append([]byte(nil), rest[tagSize:]...)

	contentHash := contentHashOf(ciphertext, nonce, tag)

	return &Chunk{
		Meta:        meta,
		Nonce:       nonce,
		Tag:         tag,
		Ciphertext:  ciphertext,
		ContentHash: contentHash,
		KeyID:       keyID,
		Compression: compression,
	}, nil
}
