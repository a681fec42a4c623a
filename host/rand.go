package host

import "crypto/rand"

type cryptoRand struct{}

func (cryptoRand) ProposerID() [16]byte {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		panic("host: failed to read random bytes for proposer id: " + err.Error())
	}
	return id
}

// SystemRand is the production Rand implementation, using strong random
// bytes per spec.md §2's event-loop-driver capability list.
var SystemRand Rand = cryptoRand{}
