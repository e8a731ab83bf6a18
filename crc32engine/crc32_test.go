package crc32engine

import (
	"hash/crc32"
	"testing"
)

func TestUpdateMatchesStdlibChecksum(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	got := Update(Initial, data)
	want := crc32.ChecksumIEEE(data)

	if got != want {
		t.Errorf("Update() = 0x%08x, want 0x%08x", got, want)
	}
}

func TestUpdateIsCyclic(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	whole := Update(Initial, data)

	split := Initial
	split = Update(split, data[:10])
	split = Update(split, data[10:])

	if split != whole {
		t.Errorf("split update = 0x%08x, want 0x%08x", split, whole)
	}
}

func TestUpdateZeroLengthIsNoOp(t *testing.T) {
	state := Update(Initial, []byte("abc"))

	got := Update(state, nil)
	if got != state {
		t.Errorf("Update with nil changed state: got 0x%08x, want 0x%08x", got, state)
	}

	got = Update(state, []byte{})
	if got != state {
		t.Errorf("Update with empty slice changed state: got 0x%08x, want 0x%08x", got, state)
	}
}

func TestUpdateDatagramSkipsHeader(t *testing.T) {
	payload := []byte("payload-bytes-go-here")
	datagram := append([]byte{0x00, 0x03, 0x00, 0x07}, payload...)

	got := UpdateDatagram(Initial, datagram, len(payload))
	want := Update(Initial, payload)

	if got != want {
		t.Errorf("UpdateDatagram() = 0x%08x, want 0x%08x", got, want)
	}
}

func TestUpdateDatagramGuardsShortOrZeroLen(t *testing.T) {
	state := Update(Initial, []byte("seed"))
	datagram := []byte{0x00, 0x03, 0x00, 0x07, 'a', 'b'}

	if got := UpdateDatagram(state, datagram, 0); got != state {
		t.Errorf("payloadLen=0 should be no-op, got 0x%08x want 0x%08x", got, state)
	}
	if got := UpdateDatagram(state, datagram, -1); got != state {
		t.Errorf("negative payloadLen should be no-op, got 0x%08x want 0x%08x", got, state)
	}
	if got := UpdateDatagram(state, datagram, 100); got != state {
		t.Errorf("payloadLen beyond datagram should be no-op, got 0x%08x want 0x%08x", got, state)
	}
}

func TestUpdateDatagramTrailingCRCExcluded(t *testing.T) {
	payload := []byte("firmware-bytes")
	embeddedCRC := Update(Initial, payload)

	var crcBytes [4]byte
	crcBytes[0] = byte(embeddedCRC >> 24)
	crcBytes[1] = byte(embeddedCRC >> 16)
	crcBytes[2] = byte(embeddedCRC >> 8)
	crcBytes[3] = byte(embeddedCRC)

	datagram := append([]byte{0x00, 0x03, 0x00, 0x01}, payload...)
	datagram = append(datagram, crcBytes[:]...)

	got := UpdateDatagram(Initial, datagram, len(payload))
	if got != embeddedCRC {
		t.Errorf("UpdateDatagram() = 0x%08x, want embedded crc 0x%08x", got, embeddedCRC)
	}
}
