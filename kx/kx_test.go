package kx

import "testing"

func TestHandshakeDerivesMatchingKeys(t *testing.T) {
	client, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	server, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	clientKeys, err := DeriveClientKeys(client.PrivateKey, server.PublicKey)
	if err != nil {
		t.Fatalf("DeriveClientKeys: %v", err)
	}
	serverKeys, err := DeriveServerKeys(server.PrivateKey, client.PublicKey)
	if err != nil {
		t.Fatalf("DeriveServerKeys: %v", err)
	}

	if clientKeys.SendKey != serverKeys.ReceiveKey {
		t.Errorf("client send key must equal server receive key")
	}
	if clientKeys.ReceiveKey != serverKeys.SendKey {
		t.Errorf("client receive key must equal server send key")
	}
}

func TestDifferentPeersDeriveDifferentKeys(t *testing.T) {
	client, _ := Generate()
	server1, _ := Generate()
	server2, _ := Generate()

	keys1, err := DeriveClientKeys(client.PrivateKey, server1.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	keys2, err := DeriveClientKeys(client.PrivateKey, server2.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if keys1.SendKey == keys2.SendKey {
		t.Errorf("different server peers should derive different session keys")
	}
}
