package redis

import (
	"strconv"
	"strings"

	errs "github.com/drayq/drayq/internal/errors"
)

// queueKeyPrefix returns the prefix for all keys of the given queue. The
// queue name is hash-tagged so every key of a queue lands on the same
// cluster slot and the scripts stay single-slot.
func queueKeyPrefix(queue string) string {
	return "drayq:{" + queue + "}:"
}

// seqKey is the counter handing out sequence numbers for the queue.
func seqKey(queue string) string {
	return queueKeyPrefix(queue) + "seq"
}

// pendingKey is the sorted set of deliverable sequence numbers, scored
// by inverted priority then sequence.
func pendingKey(queue string) string {
	return queueKeyPrefix(queue) + "pending"
}

// scheduledKey is the sorted set of not-yet-due sequence numbers, scored
// by eta in unix milliseconds.
func scheduledKey(queue string) string {
	return queueKeyPrefix(queue) + "scheduled"
}

// leaseKey is the sorted set of in-flight sequence numbers, scored by
// lease deadline in unix milliseconds.
func leaseKey(queue string) string {
	return queueKeyPrefix(queue) + "lease"
}

// msgKeyPrefix returns the prefix of per-message hashes. Appending a
// sequence number yields the hash holding that message's body and
// priority.
func msgKeyPrefix(queue string) string {
	return queueKeyPrefix(queue) + "msg:"
}

func msgKey(queue, seq string) string {
	return msgKeyPrefix(queue) + seq
}

func deliveryTag(queue, seq string) string {
	return queue + ":" + seq
}

func parseTag(tag string) (queue, seq string, err error) {
	idx := strings.LastIndex(tag, ":")
	if idx <= 0 || idx == len(tag)-1 {
		return "", "", errs.NewErrInvalidDeliveryTag(tag)
	}

	seq = tag[idx+1:]
	if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
		return "", "", errs.NewErrInvalidDeliveryTag(tag)
	}

	return tag[:idx], seq, nil
}
