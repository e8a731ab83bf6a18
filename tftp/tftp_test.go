package tftp

import "testing"

func datagram(block uint16, payloadLen int) []byte {
	d := make([]byte, 4+payloadLen)
	d[0], d[1] = 0x00, 0x03
	d[2] = byte(block >> 8)
	d[3] = byte(block)
	return d
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		expected uint16
		datagram []byte
		want     BlockKind
	}{
		{"first block", 1, datagram(1, 512), FirstBlock},
		{"mid block", 3, datagram(3, 512), Mid},
		{"last block header only", 3, datagram(3, 0), Last},
		{"last block short payload", 3, datagram(3, 4), Last},
		{"out of order", 3, datagram(5, 512), OutOfOrder},
		{"duplicate previous", 3, datagram(2, 512), OutOfOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.expected, tt.datagram)
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyTooShort(t *testing.T) {
	_, err := Classify(1, []byte{0x00, 0x03})
	if err != ErrTooShort {
		t.Errorf("Classify() error = %v, want ErrTooShort", err)
	}
}

func TestBlockNumber(t *testing.T) {
	got, err := BlockNumber(datagram(300, 512))
	if err != nil {
		t.Fatalf("BlockNumber() error = %v", err)
	}
	if got != 300 {
		t.Errorf("BlockNumber() = %d, want 300", got)
	}
}

func TestBuildACK(t *testing.T) {
	got := BuildACK(1)
	want := [4]byte{0x00, 0x04, 0x00, 0x01}
	if got != want {
		t.Errorf("BuildACK(1) = %v, want %v", got, want)
	}
}

func TestIncrementACK(t *testing.T) {
	ack := BuildACK(0)
	IncrementACK(&ack)
	if ACKCounter(ack) != 1 {
		t.Errorf("after one increment, counter = %d, want 1", ACKCounter(ack))
	}
}

func TestIncrementACKCarries(t *testing.T) {
	ack := [4]byte{0x00, 0x04, 0x00, 0xFF}
	IncrementACK(&ack)
	want := [4]byte{0x00, 0x04, 0x01, 0x00}
	if ack != want {
		t.Errorf("IncrementACK carry: got %v, want %v", ack, want)
	}
}

func TestBuildRRQ(t *testing.T) {
	got := BuildRRQ("firmware.bin")
	want := append([]byte{0x00, 0x01}, "firmware.bin"...)
	want = append(want, 0x00)
	want = append(want, "octet"...)
	want = append(want, 0x00)

	if string(got) != string(want) {
		t.Errorf("BuildRRQ() = %q, want %q", got, want)
	}
}
