package account

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"entrycore/core/nonce"
	"entrycore/crypto"
	"entrycore/observability/logging"
)

func TestValidateOpRedactsRejectedSignature(t *testing.T) {
	policy, manager := newTestPolicy(t, nil)
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))
	validator := NewValidator(policy, nonce.NewLedger(manager), nil, testDispatcher, logger)

	sender := common.HexToAddress("0x06")
	opHash := common.BytesToHash(ethcrypto.Keccak256([]byte("op-6")))
	ownerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := policy.InitOwner(sender, ownerKey.PubKey().EthAddress()); err != nil {
		t.Fatalf("init owner: %v", err)
	}
	wrongKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	op := signedOp(t, wrongKey, sender, 0, opHash)
	if _, err := validator.ValidateOp(testDispatcher, op, opHash, nil); err != nil {
		t.Fatalf("soft failure must not error: %v", err)
	}

	if buf.Len() == 0 {
		t.Fatal("expected a log entry for the rejected signature")
	}
	if logging.IsAllowlisted("signature") {
		t.Fatalf("signature should not be allowlisted for logging: %v", logging.RedactionAllowlist())
	}

	raw := buf.Bytes()
	if bytes.Contains(raw, []byte(hex.EncodeToString(op.Signature))) {
		t.Fatalf("log output leaked the operation signature: %s", raw)
	}

	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("failed to decode log payload: %v", err)
	}
	value, ok := entry["signature"].(string)
	if !ok {
		t.Fatalf("expected string signature attribute, got %T", entry["signature"])
	}
	if value != logging.RedactedValue {
		t.Fatalf("expected redacted signature, got %q", value)
	}
}
