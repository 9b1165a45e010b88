package binary

import "testing"

func TestMsbRoundTrip(t *testing.T) {
	var buf [8]byte
	Msb.PutUint64(buf[:], 0x0102030405060708)

	want := [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if buf != want {
		t.Fatalf("PutUint64 wrote %x, want %x", buf, want)
	}

	if got := Msb.Uint64(buf[:]); got != 0x0102030405060708 {
		t.Fatalf("Uint64 = %x, want %x", got, 0x0102030405060708)
	}
}
