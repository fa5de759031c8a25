package peerapp

import (
	"encoding/binary"
	"math/rand"
)

// randomPayloads generates count data payloads, each a little endian
// encoded pseudo random number.
func randomPayloads(count int) [][]byte {
	payloads := make([][]byte, count)
	for i := range payloads {
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, rand.Uint32())
		payloads[i] = payload
	}
	return payloads
}
