package blockchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TxType identifica el tipo de transacción
type TxType int

const (
	TxCreateOrganization TxType = iota
	TxCreateOrder
	TxUpdateOrder
	TxTransferOrder
	TxCompleteOrder
)

// IsOrder indica si la transacción pertenece al historial de una orden
func (t TxType) IsOrder() bool {
	return t >= TxCreateOrder && t <= TxCompleteOrder
}

// String devuelve el nombre del tipo tal como aparece en los logs
func (t TxType) String() string {
	switch t {
	case TxCreateOrganization:
		return "CREATE_ORGANIZATION"
	case TxCreateOrder:
		return "CREATE_ORDER"
	case TxUpdateOrder:
		return "UPDATE_ORDER"
	case TxTransferOrder:
		return "TRANSFER_ORDER"
	case TxCompleteOrder:
		return "COMPLETE_ORDER"
	default:
		return fmt.Sprintf("TxType(%d)", int(t))
	}
}

// TxRecord es la forma almacenada de una transacción, tal como queda en el
// pool y dentro de los bloques.
type TxRecord struct {
	Timestamp     int64           `json:"timestamp"`
	Type          TxType          `json:"type"`
	CreatedBy     *string         `json:"created_by"`
	Data          json.RawMessage `json:"data"`
	PrevTxID      *string         `json:"prev_tx_id"`
	PrevTxBlockID *int            `json:"prev_tx_block_id"`
	TxID          string          `json:"tx_id"`
	OrderCode     string          `json:"order_code,omitempty"`
	NewOwner      string          `json:"new_owner,omitempty"`
}

// canonicalFields arma el objeto que se serializa para los hashes. Las
// claves dependen del tipo: order_code solo en órdenes, new_owner solo en
// transferencias.
func (r TxRecord) canonicalFields(withID bool) canonicalObject {
	obj := canonicalObject{
		"timestamp":        r.Timestamp,
		"type":             r.Type,
		"created_by":       r.CreatedBy,
		"data":             r.Data,
		"prev_tx_id":       r.PrevTxID,
		"prev_tx_block_id": r.PrevTxBlockID,
	}
	if withID {
		obj["tx_id"] = r.TxID
	}
	if r.Type.IsOrder() {
		obj["order_code"] = r.OrderCode
	}
	if r.Type == TxTransferOrder {
		obj["new_owner"] = r.NewOwner
	}
	return obj
}

// StaticData es la forma canónica sin tx_id
func (r TxRecord) StaticData() string {
	return canonicalJSON(r.canonicalFields(false))
}

// Owner devuelve quién puede modificar la orden después de este registro
func (r TxRecord) Owner() string {
	if r.Type == TxTransferOrder {
		return r.NewOwner
	}
	if r.CreatedBy == nil {
		return ""
	}
	return *r.CreatedBy
}

// WireTx es la forma que expone la API
type WireTx struct {
	Timestamp     int64           `json:"timestamp"`
	Type          TxType          `json:"type"`
	CreatedBy     *string         `json:"createdBy"`
	Data          json.RawMessage `json:"data"`
	PrevTxID      *string         `json:"prevTxID"`
	PrevTxBlockID *int            `json:"prevTxBlockID"`
	TxID          string          `json:"txID"`
	OrderCode     string          `json:"orderCode,omitempty"`
	NewOwner      string          `json:"newOwner,omitempty"`
}

// Wire convierte el registro a la forma de la API
func (r TxRecord) Wire() WireTx {
	return WireTx{
		Timestamp:     r.Timestamp,
		Type:          r.Type,
		CreatedBy:     r.CreatedBy,
		Data:          r.Data,
		PrevTxID:      r.PrevTxID,
		PrevTxBlockID: r.PrevTxBlockID,
		TxID:          r.TxID,
		OrderCode:     r.OrderCode,
		NewOwner:      r.NewOwner,
	}
}

// History es la vista del libro que necesita una transacción para validarse.
// Las búsquedas miran primero el pool y luego la cadena, del más reciente al
// más antiguo. blockID es el índice del bloque que contiene el registro, o
// el del próximo bloque si el registro todavía está pendiente.
type History interface {
	FindOrganization(txID string) (blockID int, ok bool)
	LatestOrderTx(orderCode string) (rec TxRecord, blockID int, ok bool)
}

// Transaction es la capacidad común a todos los tipos de transacción.
// El conjunto de tipos es cerrado: solo los constructores de este paquete la
// implementan.
type Transaction interface {
	Kind() TxType
	StaticData() string
	Record() TxRecord
	WireForm() WireTx
	Validate(h History) error

	assignID() string
}

type baseTransaction struct {
	rec TxRecord
}

func newBaseTransaction(kind TxType, createdBy *string, data json.RawMessage) baseTransaction {
	return baseTransaction{rec: TxRecord{
		Timestamp: time.Now().UnixNano(),
		Type:      kind,
		CreatedBy: createdBy,
		Data:      data,
	}}
}

// Accesores comunes a todas las variantes
func (t *baseTransaction) Kind() TxType       { return t.rec.Type }
func (t *baseTransaction) StaticData() string { return t.rec.StaticData() }
func (t *baseTransaction) Record() TxRecord   { return t.rec }
func (t *baseTransaction) WireForm() WireTx   { return t.rec.Wire() }

func (t *baseTransaction) setPrev(txID string, blockID int) {
	t.rec.PrevTxID = &txID
	t.rec.PrevTxBlockID = &blockID
}

func (t *baseTransaction) assignID() string {
	sum := sha256.Sum256([]byte(t.rec.StaticData()))
	t.rec.TxID = hex.EncodeToString(sum[:])
	return t.rec.TxID
}

func rejected(reason error) error {
	return fmt.Errorf("%w: %w", ErrValidation, reason)
}

// CreateOrganization registra una organización. Su tx_id es la identidad que
// las órdenes usan como created_by.
type CreateOrganization struct {
	baseTransaction
}

// NewCreateOrganization crea la transacción; createdBy puede ser nil
func NewCreateOrganization(createdBy *string, data json.RawMessage) *CreateOrganization {
	return &CreateOrganization{newBaseTransaction(TxCreateOrganization, createdBy, data)}
}

// Validate siempre acepta: la organización es la raíz de confianza
func (t *CreateOrganization) Validate(History) error {
	return nil
}

// CreateOrder abre una orden nueva con un order_code único
type CreateOrder struct {
	baseTransaction
}

// NewCreateOrder crea la orden a nombre de la organización createdBy
func NewCreateOrder(createdBy string, data json.RawMessage) *CreateOrder {
	tx := &CreateOrder{newBaseTransaction(TxCreateOrder, &createdBy, data)}
	tx.rec.OrderCode = newOrderCode()
	return tx
}

func newOrderCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// OrderCode devuelve el código generado para la orden
func (t *CreateOrder) OrderCode() string { return t.rec.OrderCode }

// Validate exige que created_by sea una organización existente y enlaza la
// orden con esa transacción.
func (t *CreateOrder) Validate(h History) error {
	if t.rec.CreatedBy == nil {
		return rejected(ErrUnknownOrganization)
	}
	blockID, ok := h.FindOrganization(*t.rec.CreatedBy)
	if !ok {
		return rejected(ErrUnknownOrganization)
	}
	t.setPrev(*t.rec.CreatedBy, blockID)
	return nil
}

// orderMutation contiene la validación común de update, transfer y complete
type orderMutation struct {
	baseTransaction
}

func newOrderMutation(kind TxType, createdBy, orderCode string, data json.RawMessage) orderMutation {
	m := orderMutation{newBaseTransaction(kind, &createdBy, data)}
	m.rec.OrderCode = orderCode
	return m
}

// Validate busca el último registro de la orden, rechaza órdenes completadas
// y exige que el actor sea el dueño actual.
func (t *orderMutation) Validate(h History) error {
	prev, blockID, ok := h.LatestOrderTx(t.rec.OrderCode)
	if !ok {
		return rejected(ErrOrderNotFound)
	}
	if prev.Type == TxCompleteOrder {
		return rejected(ErrOrderCompleted)
	}
	if t.rec.CreatedBy == nil || prev.Owner() != *t.rec.CreatedBy {
		return rejected(ErrNotOwner)
	}
	t.setPrev(prev.TxID, blockID)
	return nil
}

// UpdateOrder modifica los datos de una orden
type UpdateOrder struct {
	orderMutation
}

// NewUpdateOrder crea la modificación de la orden orderCode a nombre de createdBy
func NewUpdateOrder(createdBy, orderCode string, data json.RawMessage) *UpdateOrder {
	return &UpdateOrder{newOrderMutation(TxUpdateOrder, createdBy, orderCode, data)}
}

// TransferOrder pasa la orden a newOwner
type TransferOrder struct {
	orderMutation
}

// NewTransferOrder crea la transferencia de orderCode de createdBy a newOwner
func NewTransferOrder(createdBy, orderCode, newOwner string, data json.RawMessage) *TransferOrder {
	tx := &TransferOrder{newOrderMutation(TxTransferOrder, createdBy, orderCode, data)}
	tx.rec.NewOwner = newOwner
	return tx
}

// CompleteOrder cierra la orden; nada puede seguirla
type CompleteOrder struct {
	orderMutation
}

// NewCompleteOrder crea el cierre de la orden orderCode
func NewCompleteOrder(createdBy, orderCode string, data json.RawMessage) *CompleteOrder {
	return &CompleteOrder{newOrderMutation(TxCompleteOrder, createdBy, orderCode, data)}
}

// ScanHistory recorre linealmente una cadena y un pool. Sirve para validar
// contra un estado que no está indexado.
type ScanHistory struct {
	Chain   []*Block
	Pending []TxRecord
}

func (s ScanHistory) nextBlockID() int {
	if len(s.Chain) == 0 {
		return 0
	}
	return s.Chain[len(s.Chain)-1].Index + 1
}

// FindOrganization busca el CreateOrganization con ese tx_id
func (s ScanHistory) FindOrganization(txID string) (int, bool) {
	_, blockID, ok := s.find(func(r TxRecord) bool {
		return r.Type == TxCreateOrganization && r.TxID == txID
	})
	return blockID, ok
}

// LatestOrderTx devuelve el registro más reciente de la orden
func (s ScanHistory) LatestOrderTx(orderCode string) (TxRecord, int, bool) {
	return s.find(func(r TxRecord) bool {
		return r.Type.IsOrder() && r.OrderCode == orderCode
	})
}

func (s ScanHistory) find(match func(TxRecord) bool) (TxRecord, int, bool) {
	for i := len(s.Pending) - 1; i >= 0; i-- {
		if match(s.Pending[i]) {
			return s.Pending[i], s.nextBlockID(), true
		}
	}
	for b := len(s.Chain) - 1; b >= 0; b-- {
		txs := s.Chain[b].Transactions
		for i := len(txs) - 1; i >= 0; i-- {
			if match(txs[i]) {
				return txs[i], s.Chain[b].Index, true
			}
		}
	}
	return TxRecord{}, 0, false
}
