package keyring

import "time"

// SignedMessage is the challenge message every member signature covers. It
// must match the server byte for byte.
type SignedMessage struct {
	ChallengeID  string `json:"challenge_id"`
	MemberPub    string `json:"member_pub"`
	TrustChainID string `json:"trust_chain_id,omitempty"`
	Nonce        int64  `json:"nonce"`
	Purpose      string `json:"purpose"`
}

const purposeAuth = "keyring-auth"

type challengeRequest struct {
	MemberPub    string `json:"member_pub"`
	TrustChainID string `json:"trust_chain_id,omitempty"`
}

type challengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Nonce       int64     `json:"nonce"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type authenticateRequest struct {
	ChallengeID  string `json:"challenge_id"`
	TrustChainID string `json:"trust_chain_id,omitempty"`
	MemberPub    string `json:"member_pub"`
	MemberSig    string `json:"member_sig"`
	PQPublicKey  string `json:"pq_public_key"`
	PQSignature  string `json:"pq_signature"`
	DeviceSig    string `json:"device_sig,omitempty"`
	TPMPublicKey string `json:"tpm_public_key,omitempty"`
	TPMSignature string `json:"tpm_signature,omitempty"`
}

type authenticateResponse struct {
	JWT              string `json:"jwt"`
	TrustChainID     string `json:"trust_chain_id"`
	ApplicationPath  string `json:"application_path"`
	EncryptionKeyB64 string `json:"encryption_key_b64"`
}
