package model

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newNonce returns a random n-character base36 string. It uses crypto/rand
// rather than math/rand since IDs double as the document's sort/uniqueness
// key and must not collide across concurrently-running processes.
func newNonce(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure is not recoverable in a meaningful way;
			// fall back to a timestamp-derived digit so ID generation never
			// panics mid-mutation.
			out[i] = base36Alphabet[time.Now().Nanosecond()%len(base36Alphabet)]
			continue
		}
		out[i] = base36Alphabet[idx.Int64()]
	}
	return string(out)
}

// NewFeatureID returns a new feature identifier: "feature_" + millisecond
// timestamp + 9-char base36 nonce.
func NewFeatureID(now time.Time) string {
	return fmt.Sprintf("feature_%d%s", now.UnixMilli(), newNonce(9))
}

// NewTaskID returns a new task identifier: "task_" + millisecond timestamp +
// 9-char base36 nonce.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("task_%d%s", now.UnixMilli(), newNonce(9))
}
