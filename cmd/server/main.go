package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"order-ledger/internal/api"
	"order-ledger/internal/blockchain"
)

type config struct {
	port             string
	dataDir          string
	difficulty       int
	resolveInterval  time.Duration
	peerTimeout      time.Duration
	handshakeRetries uint64
	initialPeers     []string
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("❌ Configuración inválida: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("🚀 Iniciando nodo en puerto %s (datos en %s, dificultad %d)\n", cfg.port, cfg.dataDir, cfg.difficulty)

	store, err := blockchain.NewFileStorage(cfg.dataDir)
	if err != nil {
		fmt.Printf("❌ No se pudo abrir el almacenamiento: %v\n", err)
		os.Exit(1)
	}

	bc, err := blockchain.NewBlockchain(store, cfg.difficulty)
	if err != nil {
		fmt.Printf("❌ No se pudo cargar la blockchain: %v\n", err)
		os.Exit(1)
	}

	network, err := blockchain.NewNetwork(store, blockchain.NewHTTPPeerClient(cfg.peerTimeout))
	if err != nil {
		fmt.Printf("❌ No se pudo cargar el registro de peers: %v\n", err)
		os.Exit(1)
	}
	network.SetHandshakeRetries(cfg.handshakeRetries)
	fmt.Printf("🆔 Node ID: %s\n", network.OwnNodeID())

	setupInitialPeers(network, cfg.initialPeers)

	if cfg.resolveInterval > 0 {
		go startPeriodicResolve(network, bc, cfg.resolveInterval)
	}

	server := api.NewServer(bc, network)
	fmt.Printf("🌐 API disponible en http://localhost:%s/api/\n", cfg.port)
	if err := server.Run(":" + cfg.port); err != nil {
		fmt.Printf("❌ Servidor detenido: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config, error) {
	cfg := config{
		port:    getEnv("NODE_PORT", "5000"),
		dataDir: getEnv("DATA_DIR", "data"),
	}

	var err error
	if cfg.difficulty, err = strconv.Atoi(getEnv("DIFFICULTY", strconv.Itoa(blockchain.DefaultDifficulty))); err != nil {
		return cfg, fmt.Errorf("DIFFICULTY: %w", err)
	}
	if cfg.resolveInterval, err = time.ParseDuration(getEnv("RESOLVE_INTERVAL", "30s")); err != nil {
		return cfg, fmt.Errorf("RESOLVE_INTERVAL: %w", err)
	}
	if cfg.peerTimeout, err = time.ParseDuration(getEnv("PEER_TIMEOUT", blockchain.DefaultPeerTimeout.String())); err != nil {
		return cfg, fmt.Errorf("PEER_TIMEOUT: %w", err)
	}
	if cfg.handshakeRetries, err = strconv.ParseUint(getEnv("HANDSHAKE_RETRIES", strconv.Itoa(blockchain.DefaultHandshakeRetries)), 10, 64); err != nil {
		return cfg, fmt.Errorf("HANDSHAKE_RETRIES: %w", err)
	}

	// Formato esperado: "localhost:5001,localhost:5002"
	for _, peer := range strings.Split(getEnv("INITIAL_PEERS", ""), ",") {
		if peer = strings.TrimSpace(peer); peer != "" {
			cfg.initialPeers = append(cfg.initialPeers, peer)
		}
	}
	return cfg, nil
}

// setupInitialPeers registra los peers configurados; los que no responden se omiten
func setupInitialPeers(network *blockchain.Network, peers []string) {
	for _, address := range peers {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		node, err := network.RegisterNode(ctx, address)
		cancel()
		if err != nil {
			fmt.Printf("⚠️ No se pudo registrar el peer inicial %s: %v\n", address, err)
			continue
		}
		fmt.Printf("🔗 Peer inicial registrado: %s (%s)\n", node.NodeID, node.Address)
	}
}

func startPeriodicResolve(network *blockchain.Network, bc *blockchain.Blockchain, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if len(network.Nodes()) == 0 {
			continue
		}
		fmt.Printf("🔄 Resolución periódica iniciada\n")
		if _, err := network.ResolveConflicts(context.Background(), bc); err != nil {
			fmt.Printf("❌ Error en la resolución periódica: %v\n", err)
		}
	}
}

// getEnv obtiene una variable de entorno o su valor por defecto
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
