// Package broker implements the partitioned storage+dispatch engine: the
// shared sequencer, per-partition bbolt-backed stores, producer/consumer
// actors, and the dispatcher that fans publish/subscribe/trim across
// partitions by topic hash.
package broker

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Errors surfaced to callers. Anything not in this list is logged only
// (see the error table in the design doc) and never terminates a caller.
var (
	ErrMailboxFull     = errors.New("broker: mailbox full")
	ErrUnknownTopic    = errors.New("broker: empty topic")
	ErrPartitionClosed = errors.New("broker: partition closed")
	ErrInvalidEnvelope = errors.New("broker: invalid envelope")
)

// Envelope is the JSON message object shared by publish and control frames.
type Envelope struct {
	UID     string   `json:"uid,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	Payload string   `json:"payload,omitempty"`
	Key     string   `json:"key,omitempty"`
	Cmd     string   `json:"cmd,omitempty"`
	Params  []string `json:"params,omitempty"`
	Offset  uint64   `json:"offset,omitempty"`
	Nonce   uint64   `json:"nonce,omitempty"`
}

// Response is the server's control-frame reply shape:
// {"rs":true,"detail":"connected"} and friends.
type Response struct {
	RS     bool   `json:"rs"`
	Detail string `json:"detail"`
}

// Status is the aggregate broker status returned by GET /api/status.
type Status struct {
	RetainMessages uint64 `json:"retain_messages"`
	DiskSize       uint64 `json:"disk_size"`
	LastNonce      uint64 `json:"last_nonce"`
}

// parseEnvelope decodes a client frame into an Envelope, wrapping any
// failure in ErrInvalidEnvelope so callers can test for it with
// errors.Is rather than matching on the decode error's text (SPEC_FULL.md
// §5.3).
func parseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// dataKey builds the unique payload key "topic-uid" (spec.md §3).
func dataKey(topic, uid string) string {
	return topic + "-" + uid
}

// splitDataKey recovers the topic from a data key by splitting on the
// first "-". This inverts dataKey only for topics that contain no "-": for
// the data key of topic "a-b" it returns "a". Used by trim and Reconcile,
// which only have the data key on hand and must rederive the topic to
// delete the matching main_idx entry.
func splitDataKey(key string) (topic string, ok bool) {
	i := strings.IndexByte(key, '-')
	if i < 0 {
		return "", false
	}
	return key[:i], true
}

// encodeNonce renders a nonce as 8 big-endian bytes, so byte order on the
// KV matches numeric order (spec.md §3 "Nonce").
func encodeNonce(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func decodeNonce(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// mainKey builds "topic-bytes || nonce-BE", the key used by main_idx so
// that a lexicographic range over one topic's prefix yields an
// ascending-nonce scan (spec.md §3 "Main key").
func mainKey(topic string, nonce uint64) []byte {
	b := make([]byte, len(topic)+8)
	copy(b, topic)
	binary.BigEndian.PutUint64(b[len(topic):], nonce)
	return b
}

// mainKeyLowerBound is the inclusive lower bound of [topic‖offset, topic‖MAX].
func mainKeyLowerBound(topic string, offset uint64) []byte {
	return mainKey(topic, offset)
}

// mainKeyUpperBound is the topic prefix followed by 8 0xFF bytes: the
// largest possible main key for topic (nonce = math.MaxUint64), the
// inclusive upper bound of [topic‖offset, topic‖MAX] (spec.md §3).
func mainKeyUpperBound(topic string) []byte {
	b := make([]byte, len(topic)+8)
	copy(b, topic)
	for i := len(topic); i < len(b); i++ {
		b[i] = 0xFF
	}
	return b
}

func hasTopicPrefix(key []byte, topic string) bool {
	if len(key) < len(topic) {
		return false
	}
	return string(key[:len(topic)]) == topic
}
