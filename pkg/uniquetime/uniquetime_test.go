package uniquetime

import "testing"

func TestBucketShelfExtraction(t *testing.T) {
	ut := New(1_700_000_000_000_000, 7)

	if got := ut.InstanceID(); got != 7 {
		t.Fatalf("InstanceID() = %d, want 7", got)
	}

	wantBucket := (ut.TimeMicros() >> 30) & 0x1ffffffff
	if got := ut.Bucket(); got != wantBucket {
		t.Fatalf("Bucket() = %d, want %d", got, wantBucket)
	}

	wantShelf := uint16((ut.TimeMicros() >> 55) & 0xff)
	if got := ut.Shelf(); got != wantShelf {
		t.Fatalf("Shelf() = %d, want %d", got, wantShelf)
	}

	if max := MaxEncodedInBucket(ut.Bucket()); max < ut.AsEncoded() {
		t.Fatalf("MaxEncodedInBucket(%d) = %d < encoded %d", ut.Bucket(), max, ut.AsEncoded())
	}
}

func TestNewRoundTripsMicrosAndInstance(t *testing.T) {
	const micros = 1_234_567_890_123
	const instanceID = 1000

	ut := New(micros, instanceID)
	if got := ut.TimeMicros(); got != micros {
		t.Fatalf("TimeMicros() = %d, want %d", got, micros)
	}
	if got := ut.InstanceID(); got != instanceID {
		t.Fatalf("InstanceID() = %d, want %d", got, instanceID)
	}
}

func TestMinEncodedForMicrosIsLowerBound(t *testing.T) {
	const micros = 42_000_000
	min := MinEncodedForMicros(micros)
	ut := FromEncoded(min)
	if ut.TimeMicros() != micros {
		t.Fatalf("TimeMicros() of MinEncodedForMicros = %d, want %d", ut.TimeMicros(), micros)
	}
	if ut.InstanceID() != 0 {
		t.Fatalf("MinEncodedForMicros should zero the instance id, got %d", ut.InstanceID())
	}
}
