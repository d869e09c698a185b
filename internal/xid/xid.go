package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// NewLocal mints the terminal-side idempotency key a client would send
// when it cannot reach the server. UUIDs keep keys collision free across
// terminals that have never talked to each other.
func NewLocal() string {
	return "local-" + uuid.NewString()
}
