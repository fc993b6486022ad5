package ipchannel

import "testing"

func TestLonTalkCRCRoundTrip(t *testing.T) {
	frames := [][]byte{
		{0x00},
		{0x10, 0x20, 0x30, 0xAA, 0xBB, 0xCC},
		[]byte("a slightly longer lontalk frame payload for crc coverage"),
	}

	for _, frame := range frames {
		framed := appendLonTalkCRC(frame)
		got, ok := verifyLonTalkCRC(framed)
		if !ok {
			t.Fatalf("verifyLonTalkCRC rejected a frame it just produced: % x", framed)
		}
		if string(got) != string(frame) {
			t.Fatalf("recovered frame mismatch: got % x, want % x", got, frame)
		}
	}
}

func TestLonTalkCRCDetectsCorruption(t *testing.T) {
	frame := []byte{0x01, 0x02, 0x03, 0x04}
	framed := appendLonTalkCRC(frame)
	framed[1] ^= 0xff

	if _, ok := verifyLonTalkCRC(framed); ok {
		t.Fatal("verifyLonTalkCRC accepted a corrupted frame")
	}
}

func TestLonTalkCRCRejectsShortInput(t *testing.T) {
	if _, ok := verifyLonTalkCRC([]byte{0x01}); ok {
		t.Fatal("verifyLonTalkCRC accepted input shorter than the CRC itself")
	}
}
