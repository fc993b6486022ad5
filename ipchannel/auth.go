package ipchannel

import (
	"crypto/md5"
)

// Packet authentication uses a keyed MD5 digest appended after the packet
// bytes, with the header's authentication-flag bit pre-set before hashing
// (spec.md §4.1/§4.4). There is no third-party wrapper for this particular
// keying scheme in the corpus, so it is built directly on crypto/md5, the
// same way the LonTalk frame CRC is built directly on a hand-rolled table.
//
// Two peers can disagree on which side of the packet the secret belongs:
// legacy EIA-852 implementations hash secret||packet, this vendor's current
// implementation hashes packet||secret. Rather than fail closed on a
// minor-version mismatch, verification tries the formation associated with
// the header's declared version first and falls back to the other one,
// counting the fallback so operators can see how often it happens.

// Secret is a 16-byte pre-shared channel authentication key.
type Secret [sharedSecretLen]byte

func digestLegacy(secret Secret, packetBytes []byte) [authDigestLen]byte {
	h := md5.New()
	h.Write(secret[:])
	h.Write(packetBytes)
	var out [authDigestLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

func digestCurrent(secret Secret, packetBytes []byte) [authDigestLen]byte {
	h := md5.New()
	h.Write(packetBytes)
	h.Write(secret[:])
	var out [authDigestLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

func digestFor(version ProtocolVersion, secret Secret, packetBytes []byte) [authDigestLen]byte {
	if version == ProtocolV1Legacy {
		return digestLegacy(secret, packetBytes)
	}
	return digestCurrent(secret, packetBytes)
}

func altDigestFor(version ProtocolVersion, secret Secret, packetBytes []byte) [authDigestLen]byte {
	if version == ProtocolV1Legacy {
		return digestCurrent(secret, packetBytes)
	}
	return digestLegacy(secret, packetBytes)
}

// signPacket returns packetBytes with its authentication digest appended.
// Callers must have already set the header's authentication flag before
// encoding packetBytes, since the flag bit is covered by the digest.
func signPacket(version ProtocolVersion, secret Secret, packetBytes []byte) []byte {
	d := digestFor(version, secret, packetBytes)
	return append(append([]byte{}, packetBytes...), d[:]...)
}

// verifyPacket checks signed (packet bytes followed by a trailing
// authDigestLen-byte digest) against secret, trying the version-preferred
// digest formation first and the alternate formation second. It reports
// whether the packet is authentic and whether the alternate formation was
// needed to accept it.
func verifyPacket(version ProtocolVersion, secret Secret, signed []byte) (ok bool, usedAlt bool) {
	if len(signed) < authDigestLen {
		return false, false
	}
	n := len(signed) - authDigestLen
	packetBytes, digest := signed[:n], signed[n:]

	primary := digestFor(version, secret, packetBytes)
	if constantTimeEqual(primary[:], digest) {
		return true, false
	}

	alt := altDigestFor(version, secret, packetBytes)
	if constantTimeEqual(alt[:], digest) {
		return true, true
	}

	return false, false
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
