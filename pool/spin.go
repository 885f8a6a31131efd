// File: pool/spin.go
// Author: momentics <momentics@gmail.com>
//
// Word-sized spinlock usable over shared memory.

package pool

import (
	"runtime"
	"sync/atomic"
)

const spinYieldMask = 63

func spinLock(w *uint32) {
	for i := 0; !atomic.CompareAndSwapUint32(w, 0, 1); i++ {
		if i&spinYieldMask == spinYieldMask {
			runtime.Gosched()
		}
	}
}

func spinUnlock(w *uint32) {
	atomic.StoreUint32(w, 0)
}
