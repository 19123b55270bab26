// Package kase implements the KASE channel-binding primitive: an 8-byte
// identifier symmetric in two client ids, formed by XORing
// SipHash-2-4(id1) and SipHash-2-4(id2) under an all-zero 128-bit key.
//
// No ecosystem package ships a SipHash-2-4 implementation, so this is
// hand-rolled against the published algorithm (Aumasson & Bernstein,
// 2012), matching a libsodium crypto_shorthash call (SipHash-2-4 with a
// zero key) on each client id, XORing the two 8-byte outputs.
package kase

import (
	"encoding/binary"

	"github.com/sebas/flowcore/internal/flowcore/ferrors"
)

// ChanBindSize is the size in bytes of a channel-binding value.
const ChanBindSize = 8

// ChannelBinding computes the symmetric channel-binding hash for two client
// ids. ChannelBinding(a, b) == ChannelBinding(b, a) for all a, b.
func ChannelBinding(clientIDLocal, clientIDRemote string) ([ChanBindSize]byte, error) {
	var out [ChanBindSize]byte

	if clientIDLocal == "" {
		return out, ferrors.ErrInvalidArgument
	}
	if clientIDRemote == "" {
		return out, ferrors.ErrInvalidArgument
	}

	h1 := sipHash24ZeroKey([]byte(clientIDLocal))
	h2 := sipHash24ZeroKey([]byte(clientIDRemote))

	for i := 0; i < ChanBindSize; i++ {
		out[i] = h1[i] ^ h2[i]
	}
	return out, nil
}

// sipHash24ZeroKey computes SipHash-2-4 of data under the all-zero 128-bit
// key, returning the 8-byte digest in little-endian form (matching
// libsodium's crypto_shorthash output encoding).
func sipHash24ZeroKey(data []byte) [8]byte {
	const (
		k0 uint64 = 0
		k1 uint64 = 0
	)

	v0 := k0 ^ 0x736f6d6570736575
	v1 := k1 ^ 0x646f72616e646f6d
	v2 := k0 ^ 0x6c7967656e657261
	v3 := k1 ^ 0x7465646279746573

	b := uint64(len(data)) << 56

	round := func() {
		v0 += v1
		v1 = rotl(v1, 13)
		v1 ^= v0
		v0 = rotl(v0, 32)
		v2 += v3
		v3 = rotl(v3, 16)
		v3 ^= v2
		v0 += v3
		v3 = rotl(v3, 21)
		v3 ^= v0
		v2 += v1
		v1 = rotl(v1, 17)
		v1 ^= v2
		v2 = rotl(v2, 32)
	}

	n := len(data)
	full := n - n%8
	for off := 0; off < full; off += 8 {
		m := binary.LittleEndian.Uint64(data[off : off+8])
		v3 ^= m
		round()
		round()
		v0 ^= m
	}

	var last [8]byte
	copy(last[:], data[full:])
	b |= uint64(binary.LittleEndian.Uint64(last[:]) & maskForLen(n-full))

	v3 ^= b
	round()
	round()
	v0 ^= b

	v2 ^= 0xff
	round()
	round()
	round()
	round()

	result := v0 ^ v1 ^ v2 ^ v3

	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], result)
	return out
}

func maskForLen(n int) uint64 {
	if n >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (uint(n) * 8)) - 1
}

func rotl(x uint64, b uint) uint64 {
	return (x << b) | (x >> (64 - b))
}
