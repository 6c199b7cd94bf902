package mem

import "time"

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
