package types

// KeystoreFileConfig has all the info needed to load a private key from a keystore file
type KeystoreFileConfig struct {
	// Path is the file path for the key store file
	Path string `mapstructure:"Path"`
	// Password is the password to decrypt the key store file
	Password string `mapstructure:"Password"`
}
