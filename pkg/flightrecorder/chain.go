// Package flightrecorder implements the rolling hash chain and chunked
// encrypted log that together make up a trace run's durable record:
// every event is chained to the one before it, and the serialized event
// stream is sealed into encrypted chunks, each cut once the buffered
// plaintext reaches a size threshold, for storage.
package flightrecorder

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/proofkeep/flightcore/pkg/canon"
)

// ErrHashMismatch is returned when replaying a rolling hash chain produces a
// hash that does not match the one recorded for an event.
var ErrHashMismatch = errors.New("flightrecorder: rolling hash mismatch")

// RolledEvent is the minimal view a chain needs of an already-hashed event
// in order to replay and verify it. Callers (pkg/trace) hold the full event
// struct; this is just the slice of it the chain cares about.
type RolledEvent struct {
	Seq      int
	PrevHash string
	Hash     string
	// Payload is the canonical-ready representation of the event with its
	// own hash field omitted, exactly as it was hashed on append.
	Payload map[string]interface{}
}

// Chain is a rolling hash chain seeded from a run's identity. Each Append
// call folds the previous event's hash into the next event's canonical
// payload before hashing, so the final hash commits the entire ordered
// sequence.
type Chain struct {
	mu      sync.Mutex
	genesis [32]byte
	prev    [32]byte
	length  int
}

// NewChain seeds a chain per spec §4.3: genesisHash = H("roll",
// canonical({runId, agentId, createdAt})).
func NewChain(runID, agentID, createdAt string) (*Chain, error) {
	genesis, err := canon.HashCanonical(canon.DomainRollingChain, map[string]interface{}{
		"runId":     runID,
		"agentId":   agentID,
		"createdAt": createdAt,
	})
	if err != nil {
		return nil, fmt.Errorf("flightrecorder: seed chain: %w", err)
	}
	return &Chain{genesis: genesis, prev: genesis}, nil
}

// Seq returns the sequence number the next appended event should use.
func (c *Chain) Seq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// Append hashes eventFields (the event's canonical fields with its own hash
// field omitted) together with the chain's current prevHash, advances the
// chain, and returns the new event's hash and the prevHash it was computed
// against.
func (c *Chain) Append(eventFields map[string]interface{}) (eventHash [32]byte, prevHash [32]byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevHash = c.prev
	payload := make(map[string]interface{}, len(eventFields)+1)
	for k, v := range eventFields {
		payload[k] = v
	}
	payload["prevHash"] = hex.EncodeToString(prevHash[:])

	eventHash, err = canon.HashCanonical(canon.DomainEvent, payload)
	if err != nil {
		return [32]byte{}, prevHash, fmt.Errorf("flightrecorder: hash event: %w", err)
	}
	c.prev = eventHash
	c.length++
	return eventHash, prevHash, nil
}

// RootHash is the terminal commitment of the chain: the last appended
// event's hash, or the genesis hash if no events were appended.
func (c *Chain) RootHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prev
}

// GenesisHash returns the chain's seed hash, independent of how many events
// have since been appended.
func (c *Chain) GenesisHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genesis
}

// Len returns the number of events appended so far.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// Verify replays events from genesis and confirms each one's recorded hash
// matches what re-hashing its payload against the preceding hash produces.
// Events must be supplied in seq order starting at 0.
func Verify(genesis [32]byte, events []RolledEvent) error {
	prev := genesis
	for i, ev := range events {
		if ev.Seq != i {
			return fmt.Errorf("%w: event at position %d has seq %d", ErrHashMismatch, i, ev.Seq)
		}
		wantPrev := hex.EncodeToString(prev[:])
		if ev.PrevHash != wantPrev {
			return fmt.Errorf("%w: event %d prevHash %s, expected %s", ErrHashMismatch, i, ev.PrevHash, wantPrev)
		}

		payload := make(map[string]interface{}, len(ev.Payload)+1)
		for k, v := range ev.Payload {
			payload[k] = v
		}
		payload["prevHash"] = ev.PrevHash

		got, err := canon.HashCanonical(canon.DomainEvent, payload)
		if err != nil {
			return fmt.Errorf("flightrecorder: replay event %d: %w", i, err)
		}
		gotHex := hex.EncodeToString(got[:])
		if gotHex != ev.Hash {
			return fmt.Errorf("%w: event %d recomputed hash %s, recorded %s", ErrHashMismatch, i, gotHex, ev.Hash)
		}
		prev = got
	}
	return nil
}
