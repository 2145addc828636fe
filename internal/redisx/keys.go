package redisx

import "time"

const (
	// Dedup event processing: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Per-order ERP mirroring lock: lock:erp:order:{order_id}
	KeyERPOrderLock = "lock:erp:order:%s"
)

var (
	TTLDedup       = 48 * time.Hour
	TTLERPLock     = 2 * time.Minute
	lockRetryDelay = 100 * time.Millisecond
)
