package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"order-ledger/internal/blockchain"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server expone el libro de órdenes y el protocolo entre peers por HTTP
type Server struct {
	bc      *blockchain.Blockchain
	network *blockchain.Network
	router  *gin.Engine
}

// NewServer arma el router de gin con todas las rutas
func NewServer(bc *blockchain.Blockchain, network *blockchain.Network) *Server {
	s := &Server{bc: bc, network: network}

	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	// Rutas del protocolo entre peers sin prefijo, como las exponen los
	// nodos que no montan la API bajo /api.
	r.GET("/chain", s.getChain)
	r.GET("/node/id", s.getNodeID)

	api := r.Group("/api")
	api.GET("/health", s.healthCheck)

	// Protocolo entre peers
	api.GET("/chain", s.getChain)
	api.GET("/node/id", s.getNodeID)

	api.POST("/mine", s.mine)

	api.GET("/nodes", s.getNodes)
	api.POST("/nodes/register", s.registerNode)
	api.POST("/nodes/resolve", s.resolveConflicts)

	api.POST("/organizations", s.createOrganization)
	api.POST("/orders", s.createOrder)
	api.GET("/orders/:code", s.getOrderLineage)
	api.GET("/orders/:code/status", s.getOrderStatus)
	api.POST("/orders/:code/update", s.updateOrder)
	api.POST("/orders/:code/transfer", s.transferOrder)
	api.POST("/orders/:code/complete", s.completeOrder)

	s.router = r
	return s
}

// Handler devuelve el http.Handler del servidor
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run inicia el servidor en addr
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"node_id":    s.network.OwnNodeID(),
		"timestamp":  time.Now(),
		"blocks":     s.bc.Len(),
		"pending":    len(s.bc.Pending()),
		"difficulty": s.bc.Difficulty(),
	})
}

func (s *Server) getChain(c *gin.Context) {
	chain := s.bc.Chain()
	c.JSON(http.StatusOK, gin.H{
		"chain":  chain,
		"length": len(chain),
	})
}

func (s *Server) getNodeID(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodeID": s.network.OwnNodeID()})
}

func (s *Server) mine(c *gin.Context) {
	block, err := s.bc.Mine(c.Request.Context())
	if errors.Is(err, blockchain.ErrNothingToMine) {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"message": "nothing to mine",
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Bloque %d minado", block.Index),
		"data":    block,
	})
}

func (s *Server) getNodes(c *gin.Context) {
	nodes := s.network.Nodes()
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"count": len(nodes),
	})
}

func (s *Server) registerNode(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := s.network.RegisterNode(c.Request.Context(), req.Address)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    node,
	})
}

func (s *Server) resolveConflicts(c *gin.Context) {
	if len(s.network.Nodes()) == 0 {
		c.JSON(http.StatusOK, gin.H{"message": "no peers", "length": s.bc.Len()})
		return
	}

	resolved, err := s.network.ResolveConflicts(c.Request.Context(), s.bc)
	if err != nil {
		writeError(c, err)
		return
	}

	message := "not resolved"
	if resolved {
		message = "resolved"
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "length": s.bc.Len()})
}

func (s *Server) createOrganization(c *gin.Context) {
	var req struct {
		CreatedBy *string         `json:"createdBy"`
		Data      json.RawMessage `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, blockchain.NewCreateOrganization(req.CreatedBy, req.Data))
}

type orderRequest struct {
	CreatedBy string          `json:"createdBy" binding:"required"`
	Data      json.RawMessage `json:"data"`
}

func (s *Server) createOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, blockchain.NewCreateOrder(req.CreatedBy, req.Data))
}

func (s *Server) updateOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, blockchain.NewUpdateOrder(req.CreatedBy, c.Param("code"), req.Data))
}

func (s *Server) transferOrder(c *gin.Context) {
	var req struct {
		CreatedBy string          `json:"createdBy" binding:"required"`
		NewOwner  string          `json:"newOwner" binding:"required"`
		Data      json.RawMessage `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, blockchain.NewTransferOrder(req.CreatedBy, c.Param("code"), req.NewOwner, req.Data))
}

func (s *Server) completeOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, blockchain.NewCompleteOrder(req.CreatedBy, c.Param("code"), req.Data))
}

// submit admite la transacción en el pool y responde con su forma pública
func (s *Server) submit(c *gin.Context, tx blockchain.Transaction) {
	if err := s.bc.AddNewTransaction(tx); err != nil {
		fmt.Printf("⚠️ Transacción %s rechazada: %v\n", tx.Kind(), err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    tx.WireForm(),
	})
}

func (s *Server) getOrderLineage(c *gin.Context) {
	lineage := s.bc.GetOrderLineage(c.Param("code"))
	if len(lineage) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": blockchain.ErrOrderNotFound.Error()})
		return
	}

	txs := make([]blockchain.WireTx, 0, len(lineage))
	for _, rec := range lineage {
		txs = append(txs, rec.Wire())
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(txs),
		"data":    txs,
	})
}

func (s *Server) getOrderStatus(c *gin.Context) {
	code := c.Param("code")
	status, ok := s.bc.GetOrderStatus(code)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": blockchain.ErrOrderNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    status,
		"steps":   s.bc.GetOrderSteps(code),
	})
}

// writeError traduce la categoría del error a un status HTTP
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, blockchain.ErrValidation), errors.Is(err, blockchain.ErrSelfRegistration):
		status = http.StatusBadRequest
	case errors.Is(err, blockchain.ErrPeerUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, blockchain.ErrStaleTip):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
