package bolt

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	errs "github.com/drayq/drayq/internal/errors"
)

func ns(name string) string {
	return "drayq:" + name
}

// pendingKey builds the key of the pending bucket. Pending holds
// deliverable message bodies ordered by priority, then arrival.
func pendingKey(queue string) string {
	return ns(queue + ":pending")
}

// scheduledKey builds the key of the scheduled bucket. Scheduled holds
// messages whose eta has not been reached, ordered by eta.
func scheduledKey(queue string) string {
	return ns(queue + ":scheduled")
}

// inflightKey builds the key of the in-flight bucket. In-flight holds
// messages that have been fetched but not yet settled.
func inflightKey(queue string) string {
	return ns(queue + ":inflight")
}

// leaseKey builds the key of the lease bucket. Each in-flight message
// has a lease expiry; expired leases are reclaimed into pending.
func leaseKey(queue string) string {
	return ns(queue + ":lease")
}

// clampPriority folds an arbitrary priority into the single byte the key
// layout carries.
func clampPriority(p int) byte {
	if p < 0 {
		return 0
	}
	if p > 255 {
		return 255
	}
	return byte(p)
}

// pendingItemKey lays out [inverted priority][big-endian seq] so a forward
// cursor walks highest priority first, oldest first within a priority.
func pendingItemKey(prio byte, seq uint64) []byte {
	key := make([]byte, 0, 9)
	key = append(key, 0xFF-prio)
	return binary.BigEndian.AppendUint64(key, seq)
}

func seqFromPendingKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[1:9])
}

func prioFromPendingKey(key []byte) byte {
	return 0xFF - key[0]
}

// scheduledItemKey lays out [big-endian eta nanos][big-endian seq] so a
// forward cursor walks the earliest eta first.
func scheduledItemKey(etaNanos int64, seq uint64) []byte {
	key := make([]byte, 0, 16)
	key = binary.BigEndian.AppendUint64(key, uint64(etaNanos))
	return binary.BigEndian.AppendUint64(key, seq)
}

func etaFromScheduledKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[0:8]))
}

func seqFromScheduledKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[8:16])
}

func inflightItemKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), seq)
}

func uint64ToBytes(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), v)
}

func uint64FromBytes(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// frame prepends the priority byte to a message body so the pending key
// can be rebuilt when the message is requeued or reclaimed.
func frame(prio byte, body []byte) []byte {
	val := make([]byte, 0, len(body)+1)
	val = append(val, prio)
	return append(val, body...)
}

func unframe(val []byte) (prio byte, body []byte, err error) {
	if len(val) < 1 {
		return 0, nil, fmt.Errorf("framed message too short")
	}
	return val[0], val[1:], nil
}

func deliveryTag(queue string, seq uint64) string {
	return queue + ":" + strconv.FormatUint(seq, 10)
}

func parseTag(tag string) (queue string, seq uint64, err error) {
	idx := strings.LastIndex(tag, ":")
	if idx <= 0 || idx == len(tag)-1 {
		return "", 0, errs.NewErrInvalidDeliveryTag(tag)
	}

	seq, err = strconv.ParseUint(tag[idx+1:], 10, 64)
	if err != nil {
		return "", 0, errs.NewErrInvalidDeliveryTag(tag)
	}

	return tag[:idx], seq, nil
}
