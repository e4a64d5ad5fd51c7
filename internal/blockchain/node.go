package blockchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultPeerTimeout limita cada llamada a un peer
const DefaultPeerTimeout = 5 * time.Second

const maxPeerResponse = 64 << 20

// Node es un peer registrado
type Node struct {
	Address    string `json:"address"`
	NodeID     string `json:"nodeID"`
	ResolvedAt *int64 `json:"resolvedAt"` // nanosegundos de la última resolución exitosa
}

// PeerClient son las dos llamadas remotas que necesita el consenso. Toda
// falla se informa como un error que envuelve ErrPeerUnavailable.
type PeerClient interface {
	FetchNodeID(ctx context.Context, address string) (string, error)
	FetchChain(ctx context.Context, address string) (int, []*Block, error)
}

// HTTPPeerClient habla con los endpoints /api/node/id y /api/chain de otro
// nodo. Si el peer no los tiene prueba las rutas sin prefijo (/node/id,
// /chain) de los nodos que no montan la API bajo /api.
type HTTPPeerClient struct {
	client *http.Client
}

// NewHTTPPeerClient crea el cliente con un timeout acotado
func NewHTTPPeerClient(timeout time.Duration) *HTTPPeerClient {
	if timeout <= 0 {
		timeout = DefaultPeerTimeout
	}
	return &HTTPPeerClient{client: &http.Client{Timeout: timeout}}
}

type chainResponse struct {
	Chain  []*Block `json:"chain"`
	Length *int     `json:"length"`
}

type nodeIDResponse struct {
	NodeID string `json:"nodeID"`
}

// FetchChain pide la cadena y el largo declarado por el peer
func (c *HTTPPeerClient) FetchChain(ctx context.Context, address string) (int, []*Block, error) {
	var response chainResponse
	if err := c.getPeerJSON(ctx, address, "/chain", &response); err != nil {
		return 0, nil, err
	}
	if response.Length == nil || response.Chain == nil {
		return 0, nil, fmt.Errorf("%w: %s: respuesta sin chain o length", ErrPeerUnavailable, address)
	}
	for _, block := range response.Chain {
		if block != nil && block.Transactions == nil {
			block.Transactions = []TxRecord{}
		}
	}
	return *response.Length, response.Chain, nil
}

// FetchNodeID pide la identidad del peer
func (c *HTTPPeerClient) FetchNodeID(ctx context.Context, address string) (string, error) {
	var response nodeIDResponse
	if err := c.getPeerJSON(ctx, address, "/node/id", &response); err != nil {
		return "", err
	}
	if response.NodeID == "" {
		return "", fmt.Errorf("%w: %s: respuesta sin nodeID", ErrPeerUnavailable, address)
	}
	return response.NodeID, nil
}

// errPeerRouteMissing marca un 404 para poder probar la ruta alternativa
var errPeerRouteMissing = errors.New("ruta inexistente en el peer")

func (c *HTTPPeerClient) getPeerJSON(ctx context.Context, address, route string, out interface{}) error {
	err := c.getJSON(ctx, peerURL(address, "/api"+route), out)
	if errors.Is(err, errPeerRouteMissing) {
		err = c.getJSON(ctx, peerURL(address, route), out)
	}
	return err
}

func (c *HTTPPeerClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w: %s", ErrPeerUnavailable, errPeerRouteMissing, url)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: peer respondió con status %d", ErrPeerUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerResponse))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: respuesta malformada: %v", ErrPeerUnavailable, err)
	}
	return nil
}

// peerURL acepta direcciones "host:puerto" o URLs completas
func peerURL(address, path string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimSuffix(address, "/") + path
	}
	return "http://" + address + path
}
