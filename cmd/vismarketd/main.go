package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"vismarket/config"
	"vismarket/core/events"
	"vismarket/core/state"
	"vismarket/native/credits"
	"vismarket/native/services"
	"vismarket/observability/logging"
	"vismarket/rpc"
	"vismarket/storage"
)

// moduleAddress derives a deterministic address for a module-owned account.
func moduleAddress(name string) [20]byte {
	var addr [20]byte
	hash := ethcrypto.Keccak256([]byte("vismarket/module/" + name))
	copy(addr[:], hash[12:])
	return addr
}

func parseConfiguredAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("address %q is not valid hex: %w", raw, err)
	}
	if len(decoded) != 20 {
		return addr, fmt.Errorf("address %q must be 20 bytes", raw)
	}
	copy(addr[:], decoded)
	return addr, nil
}

// seedTreasury applies the configured treasury address on first start. An
// operator who rotated the treasury over RPC keeps the rotated address across
// restarts, so an already-recorded treasury is left alone.
func seedTreasury(ledger *credits.Engine, admin [20]byte, raw string) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	treasuryAddr, err := parseConfiguredAddress(raw)
	if err != nil {
		return false, err
	}
	if _, err := ledger.Treasury(); err == nil {
		return false, nil
	} else if !errors.Is(err, credits.ErrTreasuryNotSet) {
		return false, err
	}
	if err := ledger.UpdateTreasury(admin, treasuryAddr); err != nil {
		return false, err
	}
	return true, nil
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	allowMigrateFlag := flag.Bool("allow-migrate", false, "Allow starting with an older state schema and run migrations")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("vismarketd", cfg.NetworkName)

	adminAddr, err := parseConfiguredAddress(cfg.AdminAddress)
	if err != nil {
		logger.Error("Invalid AdminAddress", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	if err := state.EnsureSchemaVersion(db, cfg.AllowMigrate || *allowMigrateFlag); err != nil {
		logger.Error("State schema check failed", slog.Any("error", err))
		os.Exit(1)
	}

	journal, err := events.OpenJournal(cfg.JournalPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to open event journal: %v", err))
	}
	defer journal.Close()

	manager := state.NewManager(db)
	manager.SetRoleActivationDelay(cfg.RoleActivationDelaySeconds)

	reserveVault := moduleAddress("reserve-vault")
	escrowVault := moduleAddress("escrow-vault")

	// Genesis bootstrap: grant the configured admin and the escrow vault's
	// transfer capability immediately, skipping the activation delay. Both
	// are idempotent on restart.
	if err := manager.BootstrapRole(state.RoleDefaultAdmin, adminAddr[:]); err != nil {
		panic(fmt.Sprintf("Failed to bootstrap admin role: %v", err))
	}
	if err := manager.BootstrapRole(state.RoleCreditTransfer, escrowVault[:]); err != nil {
		panic(fmt.Sprintf("Failed to bootstrap escrow capability: %v", err))
	}

	ledger := credits.NewEngine()
	ledger.SetState(manager)
	ledger.SetReserveVault(reserveVault)
	ledger.SetEmitter(journal)

	seeded, err := seedTreasury(ledger, adminAddr, cfg.TreasuryAddress)
	if err != nil {
		logger.Error("Treasury bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}
	if seeded {
		logger.Info("Treasury seeded from config", slog.String("treasury", cfg.TreasuryAddress))
	}

	escrow := services.NewEngine()
	escrow.SetState(manager)
	escrow.SetLedger(ledger)
	escrow.SetVault(escrowVault)
	escrow.SetValidationDelay(cfg.ValidationDelaySeconds)
	escrow.SetEmitter(journal)

	server := rpc.NewServer(ledger, escrow, journal)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.RPCAddress)
	}()
	logger.Info("JSON-RPC server listening",
		slog.String("address", cfg.RPCAddress),
		slog.String("reserveVault", fmt.Sprintf("0x%x", reserveVault)),
		slog.String("escrowVault", fmt.Sprintf("0x%x", escrowVault)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
