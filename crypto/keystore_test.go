package crypto

import (
	"path/filepath"
	"testing"
)

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "dispatcher.keystore")

	if err := SaveToKeystore(path, key, "hunter2"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "hunter2")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.PubKey().EthAddress() != key.PubKey().EthAddress() {
		t.Fatalf("loaded key identity %s, want %s",
			loaded.PubKey().EthAddress(), key.PubKey().EthAddress())
	}

	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatal("wrong passphrase accepted")
	}

	// Saving over an existing keystore replaces it in place.
	next, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := SaveToKeystore(path, next, ""); err != nil {
		t.Fatalf("overwrite keystore: %v", err)
	}
	loaded, err = LoadFromKeystore(path, "")
	if err != nil {
		t.Fatalf("reload keystore: %v", err)
	}
	if loaded.PubKey().EthAddress() != next.PubKey().EthAddress() {
		t.Fatalf("loaded key identity %s, want %s",
			loaded.PubKey().EthAddress(), next.PubKey().EthAddress())
	}
}
