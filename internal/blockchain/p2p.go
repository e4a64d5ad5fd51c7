package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
)

// DefaultHandshakeRetries es la cantidad de reintentos del handshake
const DefaultHandshakeRetries = 2

// Network maneja la identidad local, los peers registrados y el consenso
type Network struct {
	mu        sync.RWMutex
	ownNodeID string
	nodes     []*Node

	client           PeerClient
	store            Store
	handshakeRetries uint64
}

// NewNetwork carga nodes.json o genera una identidad nueva y la guarda
func NewNetwork(store Store, client PeerClient) (*Network, error) {
	if store == nil || client == nil {
		return nil, errors.New("store y client requeridos")
	}

	n := &Network{
		client:           client,
		store:            store,
		handshakeRetries: DefaultHandshakeRetries,
	}

	state, err := store.LoadNetwork()
	if err != nil {
		return nil, err
	}
	if state != nil {
		n.ownNodeID = state.OwnNodeID
		for _, node := range state.Nodes {
			node := node
			n.nodes = append(n.nodes, &node)
		}
		fmt.Printf("🔗 Registro de peers cargado: %d peers\n", len(n.nodes))
		return n, nil
	}

	n.ownNodeID = strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := n.saveLocked(); err != nil {
		return nil, err
	}
	return n, nil
}

// SetHandshakeRetries cambia la cantidad de reintentos del handshake
func (n *Network) SetHandshakeRetries(retries uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handshakeRetries = retries
}

// OwnNodeID devuelve la identidad del nodo local
func (n *Network) OwnNodeID() string {
	return n.ownNodeID
}

// Nodes devuelve una copia de los peers registrados
func (n *Network) Nodes() []Node {
	n.mu.RLock()
	defer n.mu.RUnlock()

	nodes := make([]Node, 0, len(n.nodes))
	for _, node := range n.nodes {
		nodes = append(nodes, *node)
	}
	return nodes
}

// AddNode registra un peer. Si el node_id ya existe se actualiza su dirección.
func (n *Network) AddNode(node Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing := n.findLocked(node.NodeID); existing != nil {
		existing.Address = node.Address
	} else {
		n.nodes = append(n.nodes, &Node{Address: node.Address, NodeID: node.NodeID, ResolvedAt: node.ResolvedAt})
		fmt.Printf("🔗 Peer agregado: %s (%s)\n", node.NodeID, node.Address)
	}
	return n.saveLocked()
}

// UpdateNodeAddress actualiza la dirección de un peer conocido.
// Devuelve false si el node_id no está registrado.
func (n *Network) UpdateNodeAddress(node Node) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	existing := n.findLocked(node.NodeID)
	if existing == nil {
		return false, nil
	}
	existing.Address = node.Address
	fmt.Printf("🔗 Dirección del peer %s actualizada: %s\n", node.NodeID, node.Address)
	return true, n.saveLocked()
}

// RegisterNode hace el handshake con address para conocer su node_id y luego
// lo agrega o actualiza.
func (n *Network) RegisterNode(ctx context.Context, address string) (Node, error) {
	nodeID, err := n.handshake(ctx, address)
	if err != nil {
		return Node{}, err
	}
	if nodeID == n.ownNodeID {
		return Node{}, ErrSelfRegistration
	}

	node := Node{Address: address, NodeID: nodeID}
	updated, err := n.UpdateNodeAddress(node)
	if err != nil {
		return Node{}, err
	}
	if !updated {
		if err := n.AddNode(node); err != nil {
			return Node{}, err
		}
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	return *n.findLocked(nodeID), nil
}

func (n *Network) handshake(ctx context.Context, address string) (string, error) {
	n.mu.RLock()
	retries := n.handshakeRetries
	n.mu.RUnlock()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second

	var nodeID string
	operation := func() error {
		id, err := n.client.FetchNodeID(ctx, address)
		if err != nil {
			fmt.Printf("⚠️ Handshake con %s falló: %v\n", address, err)
			return err
		}
		nodeID = id
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)); err != nil {
		if !errors.Is(err, ErrPeerUnavailable) {
			err = fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
		}
		return "", err
	}
	return nodeID, nil
}

type peerChain struct {
	length int
	chain  []*Block
	err    error
}

// ResolveConflicts consulta la cadena de todos los peers y adopta la más
// larga que sea válida. Un peer cuyo largo declarado no coincide con la
// cadena entregada se ignora. Devuelve true si al menos un peer respondió,
// se haya cambiado la cadena o no.
func (n *Network) ResolveConflicts(ctx context.Context, bc *Blockchain) (bool, error) {
	peers := n.Nodes()
	fmt.Printf("🔄 Resolviendo conflictos con %d peers\n", len(peers))

	// Las llamadas de red se hacen sin tomar el lock de la cadena.
	results := make([]peerChain, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, address string) {
			defer wg.Done()
			length, chain, err := n.client.FetchChain(ctx, address)
			results[i] = peerChain{length: length, chain: chain, err: err}
		}(i, peer.Address)
	}
	wg.Wait()

	maxLength := bc.Len()
	var newChain []*Block
	var participants []string
	for i, result := range results {
		peer := peers[i]
		if result.err != nil {
			fmt.Printf("❌ Error obteniendo cadena de %s: %v\n", peer.NodeID, result.err)
			continue
		}
		if len(result.chain) == 0 {
			fmt.Printf("⚠️ Peer %s entregó una cadena vacía\n", peer.NodeID)
			continue
		}
		if result.length != len(result.chain) {
			fmt.Printf("⚠️ Peer %s declaró %d bloques pero entregó %d, ignorando\n", peer.NodeID, result.length, len(result.chain))
			continue
		}
		if result.length > maxLength && bc.IsValidChain(result.chain) {
			newChain = result.chain
			maxLength = result.length
		}
		participants = append(participants, peer.NodeID)
	}

	if newChain != nil {
		replaced, err := bc.TryReplaceChain(newChain)
		if err != nil {
			return len(participants) > 0, err
		}
		if replaced {
			fmt.Printf("🔄 Adoptada cadena más larga (%d bloques)\n", len(newChain))
		}
	}

	if len(participants) == 0 {
		return false, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now().UnixNano()
	for _, id := range participants {
		if node := n.findLocked(id); node != nil {
			resolvedAt := now
			node.ResolvedAt = &resolvedAt
		}
	}
	if err := n.saveLocked(); err != nil {
		return true, err
	}
	return true, nil
}

func (n *Network) findLocked(nodeID string) *Node {
	for _, node := range n.nodes {
		if node.NodeID == nodeID {
			return node
		}
	}
	return nil
}

func (n *Network) saveLocked() error {
	state := NetworkState{OwnNodeID: n.ownNodeID, Nodes: make([]Node, 0, len(n.nodes))}
	for _, node := range n.nodes {
		state.Nodes = append(state.Nodes, *node)
	}
	if err := n.store.SaveNetwork(state); err != nil {
		return fmt.Errorf("guardando peers: %w", err)
	}
	return nil
}
