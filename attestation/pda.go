package attestation

import (
	solana "github.com/gagliardetto/solana-go"
)

// ProgramID is the Solana Attestation Service program.
var ProgramID = solana.MustPublicKeyFromBase58("22zoJMtdu4tQc2PzL74ZUT7FrwgB1Udec8DdW4yw4BdG")

// PDA seed prefixes
const (
	seedCredential  = "credential"
	seedSchema      = "schema"
	seedAttestation = "attestation"
)

// DeriveCredential returns the credential PDA for an issuer authority.
func DeriveCredential(program, authority solana.PublicKey, name string) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		[]byte(seedCredential),
		authority[:],
		[]byte(name),
	}, program)
}

// DeriveSchema returns the schema PDA under a credential.
func DeriveSchema(program, credential solana.PublicKey, name string, version uint8) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		[]byte(seedSchema),
		credential[:],
		[]byte(name),
		{version},
	}, program)
}

// DeriveAttestation returns the attestation PDA for a nonce, which is the
// attested server wallet for SPL-402 records.
func DeriveAttestation(program, credential, schema, nonce solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		[]byte(seedAttestation),
		credential[:],
		schema[:],
		nonce[:],
	}, program)
}
