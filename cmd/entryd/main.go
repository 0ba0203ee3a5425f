package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"entrycore/config"
	"entrycore/core/account"
	"entrycore/core/deposit"
	"entrycore/core/entrypoint"
	"entrycore/core/nonce"
	"entrycore/core/state"
	"entrycore/crypto"
	"entrycore/native/paymaster"
	"entrycore/observability/logging"
	"entrycore/storage"
	"entrycore/storage/trie"
)

const keystorePassEnv = "ENTRYD_KEYSTORE_PASS"

// bookTransfer settles internal value transfers by crediting the target's
// deposit, keeping the whole value flow inside the dispatcher's ledger.
type bookTransfer struct {
	deposits *deposit.Ledger
}

func (b *bookTransfer) Transfer(to common.Address, amount *big.Int) error {
	_, err := b.deposits.IncrementDeposit(to, amount)
	return err
}

// depositPrefunder moves missing verification funds from the account's
// deposit to the dispatcher's.
type depositPrefunder struct {
	deposits   *deposit.Ledger
	dispatcher common.Address
}

func (p *depositPrefunder) Prefund(acct common.Address, amount *big.Int) error {
	return p.deposits.WithdrawTo(acct, p.dispatcher, amount)
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ENTRYD_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.SetupWithRotation(cfg.LogService, env, logging.RotationConfig{
		Filename:   cfg.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
	})

	key, err := crypto.LoadFromKeystore(cfg.DispatcherKeystorePath, os.Getenv(keystorePassEnv))
	if err != nil {
		logger.Error("Failed to open dispatcher keystore",
			logging.MaskField("keystore_path", cfg.DispatcherKeystorePath),
			slog.Any("error", err))
		os.Exit(1)
	}
	dispatcherAddr := key.PubKey().EthAddress()
	if raw := strings.TrimSpace(cfg.EntryPointAddress); raw != "" {
		decoded, err := crypto.DecodeAddress(raw)
		if err != nil {
			logger.Error("Invalid entrypoint address", slog.Any("error", err))
			os.Exit(1)
		}
		dispatcherAddr = common.BytesToAddress(decoded.Bytes())
	}

	journalDB, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "journal"))
	if err != nil {
		logger.Error("Failed to open settlement journal", slog.Any("error", err))
		os.Exit(1)
	}
	defer journalDB.Close()

	tr, err := trie.NewTrie(nil, nil)
	if err != nil {
		logger.Error("Failed to initialise state trie", slog.Any("error", err))
		os.Exit(1)
	}
	manager := state.NewManager(tr)

	nonces := nonce.NewLedger(manager)
	book := &bookTransfer{}
	deposits := deposit.NewLedger(manager, book)
	book.deposits = deposits
	policy := account.NewPolicy(manager, nil, dispatcherAddr)
	prefunder := &depositPrefunder{deposits: deposits, dispatcher: dispatcherAddr}
	validator := account.NewValidator(policy, nonces, prefunder, dispatcherAddr, logger)
	factory := account.NewStateFactory(policy)

	ep := entrypoint.New(dispatcherAddr, new(big.Int).SetUint64(cfg.ChainID), nonces, deposits, validator, factory, logger)

	if cfg.PaymasterEnabled {
		journal := paymaster.NewJournal(journalDB, logger)
		sponsor, err := paymaster.NewSelfTokenSponsor(
			dispatcherAddr, dispatcherAddr, manager,
			big.NewInt(1), big.NewInt(1), journal, logger)
		if err != nil {
			logger.Error("Failed to initialise sponsor", slog.Any("error", err))
			os.Exit(1)
		}
		ep.RegisterSponsor(sponsor)
		logger.Info("paymaster enabled", slog.String("sponsor", sponsor.Address().Hex()))
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddress, nil); err != nil {
			logger.Error("Metrics server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("dispatcher started",
		slog.String("address", ep.Address().Hex()),
		slog.Uint64("chainId", cfg.ChainID),
		slog.String("metrics", cfg.MetricsAddress))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("dispatcher shutting down")
}
