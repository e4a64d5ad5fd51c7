package blockchain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// DefaultDifficulty es la cantidad de ceros hexadecimales exigidos al hash
const DefaultDifficulty = 2

const maxMineAttempts = 3

// txLocation ubica un registro dentro del pool o de un bloque
type txLocation struct {
	pending bool
	block   int
	pos     int
}

// Blockchain es el libro de órdenes: la cadena confirmada y el pool de
// transacciones pendientes. Admisión, minado y reemplazo de cadena se
// serializan con mu; las lecturas pueden ir en paralelo.
type Blockchain struct {
	mu      sync.RWMutex
	mineMu  sync.Mutex
	chain   []*Block
	pending []TxRecord

	difficulty  int
	proofPrefix string
	store       Store

	// orderHeads apunta al registro más reciente de cada order_code y
	// organizations a cada CreateOrganization por tx_id.
	orderHeads    map[string]txLocation
	organizations map[string]txLocation

	// inflight es el largo del snapshot que se está minando; 0 si no hay
	// minado en curso. Lo pendiente desde esa posición va al bloque siguiente.
	inflight int
	// beforeCommit corre entre la prueba de trabajo y la confirmación (tests).
	beforeCommit func()
}

// NewBlockchain carga la cadena persistida o crea el bloque génesis
func NewBlockchain(store Store, difficulty int) (*Blockchain, error) {
	if store == nil {
		return nil, errors.New("store requerido")
	}
	if difficulty < 0 {
		return nil, fmt.Errorf("dificultad inválida: %d", difficulty)
	}

	bc := &Blockchain{
		difficulty:  difficulty,
		proofPrefix: strings.Repeat("0", difficulty),
		store:       store,
	}

	chain, err := store.LoadChain()
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		if err := bc.createGenesis(); err != nil {
			return nil, err
		}
	} else {
		if !bc.IsValidChain(chain) {
			return nil, fmt.Errorf("%w: %w", ErrStructural, ErrInvalidStoredChain)
		}
		bc.chain = chain
		fmt.Printf("📦 Cadena cargada: %d bloques\n", len(chain))
	}

	pending, err := store.LoadPending()
	if err != nil {
		return nil, err
	}
	bc.pending = bc.dropMined(pending)
	if len(bc.pending) != len(pending) {
		fmt.Printf("⚠️ %d transacciones del pool ya estaban minadas, descartadas\n", len(pending)-len(bc.pending))
		if err := store.SavePending(bc.pending); err != nil {
			return nil, fmt.Errorf("guardando pool: %w", err)
		}
	}
	bc.reindex()
	return bc, nil
}

// dropMined quita del pool los registros cuyo tx_id ya está en la cadena
func (bc *Blockchain) dropMined(pending []TxRecord) []TxRecord {
	mined := bc.minedTxIDs()
	kept := make([]TxRecord, 0, len(pending))
	for _, rec := range pending {
		if !mined[rec.TxID] {
			kept = append(kept, rec)
		}
	}
	return kept
}

func (bc *Blockchain) minedTxIDs() map[string]bool {
	mined := make(map[string]bool)
	for _, block := range bc.chain {
		for _, tx := range block.Transactions {
			mined[tx.TxID] = true
		}
	}
	return mined
}

// createGenesis mina y guarda el bloque 0
func (bc *Blockchain) createGenesis() error {
	genesis := NewBlock(0, []TxRecord{}, "0")
	proof, err := bc.ProofOfWork(context.Background(), genesis)
	if err != nil {
		return err
	}
	genesis.Hash = proof
	if err := bc.store.SaveBlock(genesis); err != nil {
		return fmt.Errorf("guardando génesis: %w", err)
	}
	bc.chain = []*Block{genesis}
	fmt.Printf("✅ Bloque génesis creado: %s\n", genesis.Hash)
	return nil
}

// Difficulty devuelve la dificultad configurada
func (bc *Blockchain) Difficulty() int {
	return bc.difficulty
}

// LastBlock devuelve la punta de la cadena
func (bc *Blockchain) LastBlock() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.lastBlock()
}

func (bc *Blockchain) lastBlock() *Block {
	return bc.chain[len(bc.chain)-1]
}

// Chain devuelve una copia de la lista de bloques. Los bloques no deben modificarse.
func (bc *Blockchain) Chain() []*Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return slices.Clone(bc.chain)
}

// Len devuelve la cantidad de bloques
func (bc *Blockchain) Len() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.chain)
}

// Pending devuelve una copia del pool
func (bc *Blockchain) Pending() []TxRecord {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return slices.Clone(bc.pending)
}

// AddNewTransaction valida la transacción contra la cadena y el pool y, si
// es válida, le asigna su tx_id y la agrega al pool. Un rechazo de negocio
// devuelve un error que envuelve ErrValidation y deja el pool intacto.
func (bc *Blockchain) AddNewTransaction(tx Transaction) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if err := tx.Validate(indexHistory{bc}); err != nil {
		return err
	}
	tx.assignID()
	rec := tx.Record()

	bc.pending = append(bc.pending, rec)
	if err := bc.store.SavePending(bc.pending); err != nil {
		bc.pending = bc.pending[:len(bc.pending)-1]
		return fmt.Errorf("guardando pool: %w", err)
	}
	bc.indexRecord(rec, txLocation{pending: true, pos: len(bc.pending) - 1})

	fmt.Printf("📥 Transacción %s (%s) agregada al pool\n", rec.TxID, rec.Type)
	return nil
}

// IsValidProof indica si el hash cumple la dificultad. Lo usan tanto el
// minado como la validación.
func (bc *Blockchain) IsValidProof(hash string) bool {
	return strings.HasPrefix(hash, bc.proofPrefix)
}

// ProofOfWork busca el nonce desde 0 hasta que el hash cumpla la dificultad.
// No toma el lock; ctx permite abortar la búsqueda.
func (bc *Blockchain) ProofOfWork(ctx context.Context, block *Block) (string, error) {
	static := block.StaticData()

	block.Nonce = 0
	proof := ComputeHash(static, block.Nonce)
	for !bc.IsValidProof(proof) {
		block.Nonce++
		if block.Nonce%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
		proof = ComputeHash(static, block.Nonce)
	}
	return proof, nil
}

// IsValidBlock verifica enlace con el padre y la prueba de trabajo
func (bc *Blockchain) IsValidBlock(block, parent *Block, proof string) bool {
	if block == nil || parent == nil {
		return false
	}
	if block.Index != parent.Index+1 {
		return false
	}
	if block.PrevHash != parent.Hash {
		return false
	}
	if !bc.IsValidProof(proof) {
		return false
	}
	return proof == ComputeHash(block.StaticData(), block.Nonce)
}

// AddBlock valida el bloque contra la punta, lo guarda y lo agrega.
// Devuelve false si el bloque no es válido; la cadena no cambia.
func (bc *Blockchain) AddBlock(block *Block, proof string) (bool, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.addBlockLocked(block, proof)
}

func (bc *Blockchain) addBlockLocked(block *Block, proof string) (bool, error) {
	if !bc.IsValidBlock(block, bc.lastBlock(), proof) {
		return false, nil
	}

	block.Hash = proof
	if err := bc.store.SaveBlock(block); err != nil {
		block.Hash = ""
		return false, fmt.Errorf("guardando bloque %d: %w", block.Index, err)
	}
	bc.chain = append(bc.chain, block)
	for i, tx := range block.Transactions {
		bc.indexRecord(tx, txLocation{block: len(bc.chain) - 1, pos: i})
	}
	return true, nil
}

// Mine empaqueta el pool en un bloque nuevo. Devuelve ErrNothingToMine si el
// pool está vacío. La búsqueda del nonce corre sin el lock; las transacciones
// admitidas durante la búsqueda quedan pendientes para el siguiente bloque.
// Si la cadena fue reemplazada mientras tanto, el candidato se rearma sobre
// la nueva punta.
func (bc *Blockchain) Mine(ctx context.Context) (*Block, error) {
	bc.mineMu.Lock()
	defer bc.mineMu.Unlock()

	defer bc.setInflight(0)

	for attempt := 0; attempt < maxMineAttempts; attempt++ {
		bc.mu.Lock()
		if len(bc.pending) == 0 {
			bc.mu.Unlock()
			return nil, ErrNothingToMine
		}
		tip := bc.lastBlock()
		snapshot := slices.Clone(bc.pending)
		bc.inflight = len(snapshot)
		bc.mu.Unlock()

		candidate := NewBlock(tip.Index+1, snapshot, tip.Hash)
		fmt.Printf("⛏️ Minando bloque %d con %d transacciones\n", candidate.Index, len(snapshot))
		proof, err := bc.ProofOfWork(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if bc.beforeCommit != nil {
			bc.beforeCommit()
		}

		block, err := bc.commitMined(tip, candidate, proof, len(snapshot))
		if err != nil {
			return nil, err
		}
		if block != nil {
			fmt.Printf("✅ Bloque %d minado: %s\n", block.Index, block.Hash)
			return block, nil
		}
		fmt.Printf("⚠️ La cadena cambió durante el minado del bloque %d, reintentando\n", candidate.Index)
	}
	return nil, ErrStaleTip
}

func (bc *Blockchain) setInflight(n int) {
	bc.mu.Lock()
	bc.inflight = n
	bc.mu.Unlock()
}

// commitMined agrega el bloque si la punta sigue siendo tip y quita del pool
// las transacciones incluidas. Devuelve nil sin error si la punta cambió.
// Una vez guardado el bloque, una falla al guardar el pool no deshace el
// minado: el pool persistido se depura al cargar.
func (bc *Blockchain) commitMined(tip, candidate *Block, proof string, included int) (*Block, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.lastBlock() != tip {
		bc.inflight = 0
		return nil, nil
	}
	ok, err := bc.addBlockLocked(candidate, proof)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("el bloque minado %d no pasó la validación", candidate.Index)
	}

	bc.pending = slices.Clone(bc.pending[included:])
	bc.inflight = 0
	bc.reindex()
	if err := bc.store.SavePending(bc.pending); err != nil {
		fmt.Printf("⚠️ Bloque %d minado pero no se pudo guardar el pool: %v\n", candidate.Index, err)
	}
	return candidate, nil
}

// IsValidChain revalida enlace y prueba de trabajo de cada bloque usando su
// propio hash como prueba. La cadena debe empezar en un génesis (índice 0,
// prev_hash "0"); una cadena vacía no es válida.
func (bc *Blockchain) IsValidChain(chain []*Block) bool {
	if len(chain) == 0 || chain[0] == nil {
		return false
	}
	if chain[0].Index != 0 || chain[0].PrevHash != "0" {
		return false
	}
	for i := 1; i < len(chain); i++ {
		current := chain[i]
		if current == nil {
			return false
		}
		if !bc.IsValidBlock(current, chain[i-1], current.Hash) {
			return false
		}
	}
	return true
}

// ReplaceChain reemplaza la cadena sin validarla y la guarda completa.
// El llamador debe validar antes.
func (bc *Blockchain) ReplaceChain(chain []*Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.replaceLocked(chain)
}

// TryReplaceChain reemplaza la cadena solo si chain sigue siendo más larga
// que la local en el momento de tomar el lock.
func (bc *Blockchain) TryReplaceChain(chain []*Block) (bool, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if len(chain) <= len(bc.chain) {
		return false, nil
	}
	if err := bc.replaceLocked(chain); err != nil {
		return false, err
	}
	return true, nil
}

func (bc *Blockchain) replaceLocked(chain []*Block) error {
	if len(chain) == 0 {
		return errors.New("no se puede reemplazar por una cadena vacía")
	}
	if chain[0] == nil || chain[0].Index != 0 {
		return errors.New("la cadena nueva no empieza en el génesis")
	}
	if err := bc.store.SaveChain(chain); err != nil {
		return fmt.Errorf("guardando cadena: %w", err)
	}
	bc.chain = slices.Clone(chain)
	bc.inflight = 0
	fmt.Printf("🔄 Cadena reemplazada: %d bloques\n", len(chain))

	if dropped := bc.revalidatePendingLocked(); dropped > 0 {
		fmt.Printf("⚠️ %d transacciones pendientes ya no resuelven contra la cadena nueva, descartadas\n", dropped)
		if err := bc.store.SavePending(bc.pending); err != nil {
			return fmt.Errorf("guardando pool: %w", err)
		}
	}
	return nil
}

// revalidatePendingLocked rearma el pool sobre la cadena actual. Se quitan los
// registros ya minados y los que perdieron su organización o su predecesor;
// el resto conserva su tx_id. Devuelve cuántos se descartaron.
func (bc *Blockchain) revalidatePendingLocked() int {
	old := bc.pending
	mined := bc.minedTxIDs()

	bc.pending = make([]TxRecord, 0, len(old))
	bc.reindex()
	h := indexHistory{bc}
	for _, rec := range old {
		if mined[rec.TxID] || !stillResolves(rec, h) {
			continue
		}
		bc.pending = append(bc.pending, rec)
		bc.indexRecord(rec, txLocation{pending: true, pos: len(bc.pending) - 1})
	}
	return len(old) - len(bc.pending)
}

// stillResolves repite las reglas de admisión sobre un registro ya enlazado
func stillResolves(rec TxRecord, h History) bool {
	switch {
	case rec.Type == TxCreateOrganization:
		return true
	case rec.Type == TxCreateOrder:
		if rec.CreatedBy == nil {
			return false
		}
		_, ok := h.FindOrganization(*rec.CreatedBy)
		return ok
	case rec.Type.IsOrder():
		prev, _, ok := h.LatestOrderTx(rec.OrderCode)
		if !ok || rec.PrevTxID == nil || prev.TxID != *rec.PrevTxID {
			return false
		}
		return prev.Type != TxCompleteOrder && rec.CreatedBy != nil && prev.Owner() == *rec.CreatedBy
	default:
		return false
	}
}

// GetOrderLineage devuelve el historial de la orden, del más reciente al
// CreateOrder. Vacío si la orden no existe.
func (bc *Blockchain) GetOrderLineage(orderCode string) []TxRecord {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.lineageLocked(orderCode)
}

func (bc *Blockchain) lineageLocked(orderCode string) []TxRecord {
	loc, ok := bc.orderHeads[orderCode]
	if !ok {
		return nil
	}

	current := bc.recordAt(loc)
	lineage := []TxRecord{current}
	// El límite evita ciclos en datos recibidos de peers.
	for steps := bc.txCount(); steps > 0; steps-- {
		if current.Type == TxCreateOrder || current.PrevTxID == nil {
			break
		}
		prev, found := bc.findPredecessor(*current.PrevTxID, current.PrevTxBlockID)
		if !found || !prev.Type.IsOrder() || prev.OrderCode != orderCode {
			break
		}
		lineage = append(lineage, prev)
		current = prev
	}
	return lineage
}

// findPredecessor busca primero en el pool, luego en el bloque indicado y,
// si no está ahí, en el resto de la cadena desde la punta.
func (bc *Blockchain) findPredecessor(txID string, blockID *int) (TxRecord, bool) {
	for i := len(bc.pending) - 1; i >= 0; i-- {
		if bc.pending[i].TxID == txID {
			return bc.pending[i], true
		}
	}

	named := -1
	if blockID != nil && *blockID >= 0 && *blockID < len(bc.chain) {
		named = *blockID
		if tx, ok := findInBlock(bc.chain[named], txID); ok {
			return tx, true
		}
	}
	for b := len(bc.chain) - 1; b >= 0; b-- {
		if b == named {
			continue
		}
		if tx, ok := findInBlock(bc.chain[b], txID); ok {
			return tx, true
		}
	}
	return TxRecord{}, false
}

func findInBlock(block *Block, txID string) (TxRecord, bool) {
	for _, tx := range block.Transactions {
		if tx.TxID == txID {
			return tx, true
		}
	}
	return TxRecord{}, false
}

func (bc *Blockchain) txCount() int {
	n := len(bc.pending)
	for _, block := range bc.chain {
		n += len(block.Transactions)
	}
	return n
}

func (bc *Blockchain) recordAt(loc txLocation) TxRecord {
	if loc.pending {
		return bc.pending[loc.pos]
	}
	return bc.chain[loc.block].Transactions[loc.pos]
}

// blockIDOf da el bloque donde está o donde quedará el registro. Con un
// minado en curso, lo admitido después del snapshot va dos bloques adelante.
func (bc *Blockchain) blockIDOf(loc txLocation) int {
	if loc.pending {
		if bc.inflight > 0 && loc.pos >= bc.inflight {
			return bc.lastBlock().Index + 2
		}
		return bc.lastBlock().Index + 1
	}
	return bc.chain[loc.block].Index
}

// reindex reconstruye los índices desde la cadena y el pool
func (bc *Blockchain) reindex() {
	bc.orderHeads = make(map[string]txLocation)
	bc.organizations = make(map[string]txLocation)
	for b, block := range bc.chain {
		for i, tx := range block.Transactions {
			bc.indexRecord(tx, txLocation{block: b, pos: i})
		}
	}
	for i, tx := range bc.pending {
		bc.indexRecord(tx, txLocation{pending: true, pos: i})
	}
}

func (bc *Blockchain) indexRecord(rec TxRecord, loc txLocation) {
	switch {
	case rec.Type == TxCreateOrganization:
		bc.organizations[rec.TxID] = loc
	case rec.Type.IsOrder():
		bc.orderHeads[rec.OrderCode] = loc
	}
}

// indexHistory responde las búsquedas de validación con los índices. Se usa
// con bc.mu tomado.
type indexHistory struct {
	bc *Blockchain
}

func (h indexHistory) FindOrganization(txID string) (int, bool) {
	loc, ok := h.bc.organizations[txID]
	if !ok {
		return 0, false
	}
	return h.bc.blockIDOf(loc), true
}

func (h indexHistory) LatestOrderTx(orderCode string) (TxRecord, int, bool) {
	loc, ok := h.bc.orderHeads[orderCode]
	if !ok {
		return TxRecord{}, 0, false
	}
	return h.bc.recordAt(loc), h.bc.blockIDOf(loc), true
}
