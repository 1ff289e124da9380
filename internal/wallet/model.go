package wallet

// Custody is the public half of a provisioned custodial wallet plus its sealed key.
// The plaintext key never leaves Service.
type Custody struct {
	Address      string
	EncryptedKey []byte
}
