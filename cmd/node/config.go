package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC mesh listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 identity key.
	PrivateKey ed25519.PrivateKey

	// KeyDirectoryPath is the path to the participant BLS key directory
	// JSON file. Empty means no keys are registered and all votes are
	// accepted unverified.
	KeyDirectoryPath string

	// ParticipantsPath is the path to the participant address book JSON
	// file mapping participant IDs to mesh addresses.
	ParticipantsPath string

	// AuditLogPath is the path to the JSONL audit log. Empty derives
	// <data>/audit.log.
	AuditLogPath string

	// Operators is the comma-separated list of actors authorized to
	// cancel or force-finalize jobs.
	Operators string

	// PruneInterval is how often the retention pass runs.
	PruneInterval time.Duration

	// PruneGrace is how long canceled jobs are retained before pruning.
	PruneGrace time.Duration

	// DenyRevision rejects repeated votes from the same participant
	// instead of letting a new vote replace the prior one.
	DenyRevision bool
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC mesh address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.KeyDirectoryPath, "keys", "", "Participant BLS key directory JSON path")
	flag.StringVar(&cfg.ParticipantsPath, "participants", "", "Participant address book JSON path")
	flag.StringVar(&cfg.AuditLogPath, "audit", "", "Audit log path (default <data>/audit.log)")
	flag.StringVar(&cfg.Operators, "operators", "admin", "Comma-separated override-authorized actors")
	flag.DurationVar(&cfg.PruneInterval, "prune-interval", time.Hour, "Retention pass interval")
	flag.DurationVar(&cfg.PruneGrace, "prune-grace", 24*time.Hour, "Canceled job retention grace")
	flag.BoolVar(&cfg.DenyRevision, "deny-revision", false, "Reject repeated votes from the same participant")
	flag.Parse()

	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = cfg.DataPath + "/audit.log"
	}

	return cfg
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
