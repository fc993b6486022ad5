package ipchannel

import "testing"

func testSecret() Secret {
	var s Secret
	for i := range s {
		s[i] = byte(i + 1)
	}
	return s
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := testSecret()
	packetBytes := []byte("header-and-body-bytes-with-auth-flag-set")

	for _, v := range []ProtocolVersion{ProtocolV1Legacy, ProtocolV2Current} {
		signed := signPacket(v, secret, packetBytes)
		ok, usedAlt := verifyPacket(v, secret, signed)
		if !ok {
			t.Fatalf("version %v: verifyPacket rejected its own signature", v)
		}
		if usedAlt {
			t.Fatalf("version %v: verifyPacket unexpectedly used the alternate formation", v)
		}
	}
}

func TestVerifyPacketFallsBackToAltFormation(t *testing.T) {
	secret := testSecret()
	packetBytes := []byte("mismatched-peer-packet-bytes")

	// A peer that signed with the opposite formation from what our header
	// version would normally imply should still verify, flagged as alt.
	signed := signPacket(ProtocolV1Legacy, secret, packetBytes)
	ok, usedAlt := verifyPacket(ProtocolV2Current, secret, signed)
	if !ok {
		t.Fatal("verifyPacket rejected a packet signed with the other formation")
	}
	if !usedAlt {
		t.Fatal("verifyPacket should report alternate-formation fallback")
	}
}

func TestVerifyPacketRejectsWrongSecret(t *testing.T) {
	secret := testSecret()
	var wrong Secret
	copy(wrong[:], "0123456789abcdef")

	signed := signPacket(ProtocolV2Current, secret, []byte("some packet bytes"))
	ok, _ := verifyPacket(ProtocolV2Current, wrong, signed)
	if ok {
		t.Fatal("verifyPacket accepted a packet signed with a different secret")
	}
}

func TestVerifyPacketRejectsShortInput(t *testing.T) {
	ok, usedAlt := verifyPacket(ProtocolV2Current, testSecret(), []byte{1, 2, 3})
	if ok || usedAlt {
		t.Fatal("verifyPacket should reject input shorter than the digest")
	}
}

func TestVerifyPacketRejectsTamperedBody(t *testing.T) {
	secret := testSecret()
	signed := signPacket(ProtocolV2Current, secret, []byte("original packet bytes"))
	signed[0] ^= 0xff

	ok, _ := verifyPacket(ProtocolV2Current, secret, signed)
	if ok {
		t.Fatal("verifyPacket accepted a tampered packet")
	}
}
