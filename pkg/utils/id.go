package utils

import (
	"fmt"
	"sync/atomic"
	"time"
)

var idSeq uint64

// GenGroupID generates a unique group ID from the current UTC
// millisecond timestamp and an atomic sequence number. The format is
// "group-<timestamp>-<seq>".
func GenGroupID() string {
	n := time.Now().UTC().UnixMilli()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("group-%d-%d", n, s)
}
