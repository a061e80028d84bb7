package constants

const (
	AppName         = "quantum-device-bridge"
	CredentialsFile = "credentials.json"
	DeviceFileName  = "device_signer.json"

	FilePerm      = 0o600
	DirectoryPerm = 0o700

	// Credential record keys. One record per local store.
	KeySchemaVersion = "schemaVersion"
	KeyKeyPair       = "keyPair"
	KeyEncryptionKey = "encryptionKey"
	KeyTrustChainID  = "trustChainId"

	// Sealing labels and AADs. Changing any of them orphans existing files.
	EncryptionKeySealerLabel = "quantum-device-bridge:credentials:dek:v1"
	KeyPairAAD               = "quantum-device-bridge:credentials:keypair:v1"

	DeviceSealerLabel = "quantum-device-bridge:devicekit:dek:v1"
	DevicePayloadAAD  = "quantum-device-bridge:devicekit:payload:v1"

	// EthereumAppName is the device app opened before any EVM signing.
	EthereumAppName = "Ethereum"
)
