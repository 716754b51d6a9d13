package ecp

import (
	"crypto/sha1"
	"encoding/base64"
)

// authKey is the shared key the device firmware derives its expected
// challenge response from.
const authKey = "95E610D0-7C29-44EF-FB0F-97F1FCE4C297"

const authKeyOffset = 9

// authSeed is authKey with every hex digit substituted.
var authSeed = transformKey(authKey, authKeyOffset)

// transformKey maps each hex digit v to (15 - v + offset) mod 16 and leaves
// every other byte unchanged.
func transformKey(key string, offset byte) []byte {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		out[i] = transformChar(key[i], offset)
	}
	return out
}

func transformChar(c, offset byte) byte {
	var v byte
	switch {
	case c >= '0' && c <= '9':
		v = c - '0'
	case c >= 'A' && c <= 'F':
		v = c - 'A' + 10
	default:
		return c
	}

	v = (15 - v + offset) & 15
	if v < 10 {
		return '0' + v
	}
	return 'A' + v - 10
}

// ChallengeResponse computes the authentication response for a device
// challenge: base64(SHA-1(challenge || seed)).
func ChallengeResponse(challenge string) string {
	h := sha1.New()
	h.Write([]byte(challenge))
	h.Write(authSeed)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
