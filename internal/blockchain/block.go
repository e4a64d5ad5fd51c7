package blockchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Block representa un bloque de la cadena de órdenes.
// Una vez agregado a la cadena no se modifica; Hash se asigna una sola vez.
type Block struct {
	Index        int        `json:"index"`
	Transactions []TxRecord `json:"transactions"`
	PrevHash     string     `json:"prev_hash"`
	Timestamp    int64      `json:"timestamp"` // nanosegundos
	Nonce        int        `json:"nonce"`
	Hash         string     `json:"hash"`
}

// NewBlock crea un bloque candidato con timestamp actual y nonce 0
func NewBlock(index int, transactions []TxRecord, prevHash string) *Block {
	if transactions == nil {
		transactions = []TxRecord{}
	}
	return &Block{
		Index:        index,
		Transactions: transactions,
		PrevHash:     prevHash,
		Timestamp:    time.Now().UnixNano(),
	}
}

// StaticData devuelve la serialización canónica de los campos fijos del
// bloque. Excluye nonce y hash.
func (b *Block) StaticData() string {
	return canonicalJSON(canonicalObject{
		"index":        b.Index,
		"transactions": b.Transactions,
		"prev_hash":    b.PrevHash,
		"timestamp":    b.Timestamp,
	})
}

// ComputeHash calcula sha256(staticData || nonce) en hexadecimal
func ComputeHash(staticData string, nonce int) string {
	sum := sha256.Sum256([]byte(staticData + strconv.Itoa(nonce)))
	return hex.EncodeToString(sum[:])
}

// ToStorageForm serializa todos los campos del bloque, incluido el hash
func (b *Block) ToStorageForm() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// BlockFromStorageForm reconstruye un bloque guardado o recibido de un peer
func BlockFromStorageForm(data []byte) (*Block, error) {
	var block Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrStructural, ErrCorruptRecord, err)
	}
	if block.Transactions == nil {
		block.Transactions = []TxRecord{}
	}
	return &block, nil
}
