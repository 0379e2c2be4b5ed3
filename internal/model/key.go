package model

type (
	// KeyPair is an X25519 keypair. Private never leaves the owning process.
	KeyPair struct {
		Private [32]byte
		Public  [32]byte
	}
)
