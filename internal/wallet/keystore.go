package wallet

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Save writes the private key to path as PKCS8 PEM, readable only by the
// owner. The public key and wallet id are derived on load.
func (w *Wallet) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(w.privateKey)
	if err != nil {
		return fmt.Errorf("private key encoding failed: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return os.WriteFile(path, data, 0600)
}

// Load reads a wallet back from a PKCS8 PEM private key file.
func Load(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key parse failed: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key file does not contain an RSA key")
	}
	return fromKey(key)
}

// LoadOrCreate loads the wallet at path, generating and saving a fresh one if
// the file does not exist.
func LoadOrCreate(path string) (*Wallet, error) {
	w, err := Load(path)
	if err == nil {
		return w, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	w, err = New()
	if err != nil {
		return nil, err
	}
	if err := w.Save(path); err != nil {
		return nil, err
	}
	return w, nil
}
