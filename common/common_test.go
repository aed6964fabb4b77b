package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/0xPolygon/exportbridge/config/types"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestUintConversions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input uint64
	}{
		{name: "zero", input: 0},
		{name: "small", input: 42},
		{name: "max", input: ^uint64(0)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := Uint64ToBytes(tt.input)
			require.Len(t, b, 8)
			require.Equal(t, tt.input, BytesToUint64(b))
			b32 := Uint32ToBytes(uint32(tt.input))
			require.Len(t, b32, 4)
			require.Equal(t, uint32(tt.input), BytesToUint32(b32))
		})
	}
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2}, Uint64ToBytes(258))
}

func TestNewKeyFromKeystore(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ks := &keystore.Key{
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}
	encrypted, err := keystore.EncryptKey(ks, "secret", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "validator.keystore")
	require.NoError(t, os.WriteFile(path, encrypted, 0o600))

	loaded, err := NewKeyFromKeystore(types.KeystoreFileConfig{Path: path, Password: "secret"})
	require.NoError(t, err)
	require.Equal(t, key.D, loaded.D)

	_, err = NewKeyFromKeystore(types.KeystoreFileConfig{Path: path, Password: "wrong"})
	require.Error(t, err)
	_, err = NewKeyFromKeystore(types.KeystoreFileConfig{})
	require.Error(t, err)
}
