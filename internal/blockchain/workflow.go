package blockchain

// OrderStatus resume el estado actual de una orden a partir de su historial
type OrderStatus struct {
	OrderCode    string `json:"orderCode"`
	CreatedBy    string `json:"createdBy"`
	CurrentOwner string `json:"currentOwner"`
	LastAction   string `json:"lastAction"`
	LastTxID     string `json:"lastTxID"`
	Completed    bool   `json:"completed"`
	Steps        int    `json:"steps"`
	PendingSteps int    `json:"pendingSteps"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// OrderStep es un paso del historial en orden cronológico
type OrderStep struct {
	Number  int    `json:"number"`
	Action  string `json:"action"`
	Actor   string `json:"actor"`
	TxID    string `json:"txID"`
	Pending bool   `json:"pending"`
}

// GetOrderStatus calcula el estado de la orden. ok es false si no existe.
func (bc *Blockchain) GetOrderStatus(orderCode string) (*OrderStatus, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	lineage := bc.lineageLocked(orderCode)
	if len(lineage) == 0 {
		return nil, false
	}

	head := lineage[0]
	origin := lineage[len(lineage)-1]
	pendingIDs := bc.pendingIDs()

	status := &OrderStatus{
		OrderCode:    orderCode,
		CreatedBy:    origin.Owner(),
		CurrentOwner: head.Owner(),
		LastAction:   head.Type.String(),
		LastTxID:     head.TxID,
		Completed:    head.Type == TxCompleteOrder,
		Steps:        len(lineage),
		CreatedAt:    origin.Timestamp,
		UpdatedAt:    head.Timestamp,
	}
	for _, rec := range lineage {
		if pendingIDs[rec.TxID] {
			status.PendingSteps++
		}
	}
	return status, true
}

// GetOrderSteps devuelve el historial de la orden del más antiguo al más reciente
func (bc *Blockchain) GetOrderSteps(orderCode string) []OrderStep {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	lineage := bc.lineageLocked(orderCode)
	pendingIDs := bc.pendingIDs()

	steps := make([]OrderStep, 0, len(lineage))
	for i := len(lineage) - 1; i >= 0; i-- {
		rec := lineage[i]
		actor := ""
		if rec.CreatedBy != nil {
			actor = *rec.CreatedBy
		}
		steps = append(steps, OrderStep{
			Number:  len(steps) + 1,
			Action:  rec.Type.String(),
			Actor:   actor,
			TxID:    rec.TxID,
			Pending: pendingIDs[rec.TxID],
		})
	}
	return steps
}

func (bc *Blockchain) pendingIDs() map[string]bool {
	ids := make(map[string]bool, len(bc.pending))
	for _, rec := range bc.pending {
		ids[rec.TxID] = true
	}
	return ids
}
