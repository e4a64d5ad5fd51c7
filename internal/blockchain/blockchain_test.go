package blockchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// Dificultad baja para que los tests minen rápido
const testDifficulty = 1

func newTestBlockchain(t *testing.T) (*Blockchain, *FileStorage) {
	t.Helper()
	store, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("creando storage: %v", err)
	}
	bc, err := NewBlockchain(store, testDifficulty)
	if err != nil {
		t.Fatalf("creando blockchain: %v", err)
	}
	return bc, store
}

func mustAdmit(t *testing.T, bc *Blockchain, tx Transaction) TxRecord {
	t.Helper()
	if err := bc.AddNewTransaction(tx); err != nil {
		t.Fatalf("admisión de %s falló: %v", tx.Kind(), err)
	}
	return tx.Record()
}

func mustMine(t *testing.T, bc *Blockchain) *Block {
	t.Helper()
	block, err := bc.Mine(context.Background())
	if err != nil {
		t.Fatalf("minado falló: %v", err)
	}
	return block
}

func payload(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestGenesisChainIsValid(t *testing.T) {
	bc, _ := newTestBlockchain(t)

	chain := bc.Chain()
	if len(chain) != 1 {
		t.Fatalf("se esperaba solo el génesis, hay %d bloques", len(chain))
	}
	genesis := chain[0]
	if genesis.Index != 0 || genesis.PrevHash != "0" || len(genesis.Transactions) != 0 {
		t.Fatalf("génesis inesperado: %+v", genesis)
	}
	if !bc.IsValidProof(genesis.Hash) {
		t.Fatalf("el génesis no cumple la dificultad: %s", genesis.Hash)
	}
	if ComputeHash(genesis.StaticData(), genesis.Nonce) != genesis.Hash {
		t.Fatal("el hash del génesis no coincide con su contenido")
	}
	if !bc.IsValidChain(chain) {
		t.Fatal("la cadena recién creada debería ser válida")
	}
}

func TestIsValidChainRejectsTampering(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	org := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{"name":"Org A"}`)))
	mustMine(t, bc)
	mustAdmit(t, bc, NewCreateOrder(org.TxID, payload(`{"item":"laptop"}`)))
	mustMine(t, bc)

	if !bc.IsValidChain(bc.Chain()) {
		t.Fatal("la cadena minada debería ser válida")
	}
	if bc.IsValidChain(nil) {
		t.Fatal("una cadena vacía no es válida")
	}

	tamper := func(mutate func(b *Block)) []*Block {
		chain := bc.Chain()
		copyBlock := *chain[2]
		mutate(&copyBlock)
		chain[2] = &copyBlock
		return chain
	}

	if bc.IsValidChain(tamper(func(b *Block) { b.PrevHash = "00abc" })) {
		t.Error("prev_hash alterado debería invalidar la cadena")
	}
	if bc.IsValidChain(tamper(func(b *Block) { b.Hash = "0" + b.Hash[1:len(b.Hash)-1] + "x" })) {
		t.Error("hash que no coincide debería invalidar la cadena")
	}
	if bc.IsValidChain(tamper(func(b *Block) { b.Index = 5 })) {
		t.Error("índice no consecutivo debería invalidar la cadena")
	}
	if bc.IsValidChain(tamper(func(b *Block) { b.Transactions = []TxRecord{} })) {
		t.Error("transacciones alteradas deberían invalidar la cadena")
	}
}

func TestProofOfWorkMeetsDifficulty(t *testing.T) {
	store, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bc, err := NewBlockchain(store, 3)
	if err != nil {
		t.Fatal(err)
	}

	block := NewBlock(1, []TxRecord{}, bc.LastBlock().Hash)
	proof, err := bc.ProofOfWork(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}
	if proof[:3] != "000" {
		t.Fatalf("la prueba no tiene 3 ceros: %s", proof)
	}
	if proof != ComputeHash(block.StaticData(), block.Nonce) {
		t.Fatal("la prueba no corresponde al nonce encontrado")
	}
	if !bc.IsValidBlock(block, bc.LastBlock(), proof) {
		t.Fatal("el bloque minado debería ser válido sobre la punta")
	}
	if bc.IsValidProof("0012") {
		t.Fatal("un hash con 2 ceros no cumple dificultad 3")
	}
}

func TestProofOfWorkHonorsContext(t *testing.T) {
	store, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bc, err := NewBlockchain(store, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Con dificultad 64 la búsqueda no termina; el contexto cancelado la corta.
	bc.proofPrefix = "0000000000000000000000000000000000000000000000000000000000000000"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := bc.ProofOfWork(ctx, NewBlock(1, nil, "x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("se esperaba context.Canceled, got %v", err)
	}
}

func TestMineWithEmptyPool(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	before := bc.Chain()

	block, err := bc.Mine(context.Background())
	if !errors.Is(err, ErrNothingToMine) {
		t.Fatalf("se esperaba ErrNothingToMine, got %v", err)
	}
	if block != nil {
		t.Fatal("no debería devolver bloque")
	}
	if bc.Len() != len(before) || len(bc.Pending()) != 0 {
		t.Fatal("la cadena o el pool cambiaron")
	}
}

func TestMineMovesPoolIntoBlock(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	org := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{"name":"Org A"}`)))
	order := mustAdmit(t, bc, NewCreateOrder(org.TxID, payload(`{"qty":10}`)))

	block := mustMine(t, bc)
	if block.Index != 1 {
		t.Fatalf("índice esperado 1, got %d", block.Index)
	}
	if len(block.Transactions) != 2 || block.Transactions[0].TxID != org.TxID || block.Transactions[1].TxID != order.TxID {
		t.Fatalf("el bloque no contiene el pool en orden: %+v", block.Transactions)
	}
	if len(bc.Pending()) != 0 {
		t.Fatal("el pool debería quedar vacío")
	}
	if ComputeHash(block.StaticData(), block.Nonce) != block.Hash {
		t.Fatal("hash del bloque minado inconsistente")
	}
	// La orden pendiente apuntaba al bloque donde terminó minada la organización.
	if order.PrevTxBlockID == nil || *order.PrevTxBlockID != 1 {
		t.Fatalf("prev_tx_block_id esperado 1, got %v", order.PrevTxBlockID)
	}
}

func TestCreateOrderRequiresOrganization(t *testing.T) {
	bc, _ := newTestBlockchain(t)

	err := bc.AddNewTransaction(NewCreateOrder("no-existe", payload(`{}`)))
	if !errors.Is(err, ErrValidation) || !errors.Is(err, ErrUnknownOrganization) {
		t.Fatalf("se esperaba ErrUnknownOrganization, got %v", err)
	}
	if len(bc.Pending()) != 0 {
		t.Fatal("el pool no debería cambiar")
	}

	// Una organización pendiente alcanza.
	org := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{"name":"Org A"}`)))
	order := mustAdmit(t, bc, NewCreateOrder(org.TxID, payload(`{}`)))
	if order.PrevTxID == nil || *order.PrevTxID != org.TxID {
		t.Fatalf("la orden debería apuntar a la organización, got %v", order.PrevTxID)
	}
	if order.TxID == "" || order.OrderCode == "" {
		t.Fatal("la orden admitida necesita tx_id y order_code")
	}
}

func TestOrderLineageAndTerminalComplete(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	orgA := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{"name":"A"}`)))
	orgB := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{"name":"B"}`)))
	mustMine(t, bc)

	create := NewCreateOrder(orgA.TxID, payload(`{"item":"laptop"}`))
	mustAdmit(t, bc, create)
	code := create.OrderCode()
	update := mustAdmit(t, bc, NewUpdateOrder(orgA.TxID, code, payload(`{"qty":12}`)))
	mustMine(t, bc)
	transfer := mustAdmit(t, bc, NewTransferOrder(orgA.TxID, code, orgB.TxID, payload(`"envío"`)))
	complete := mustAdmit(t, bc, NewCompleteOrder(orgB.TxID, code, payload(`{}`)))

	lineage := bc.GetOrderLineage(code)
	wantIDs := []string{complete.TxID, transfer.TxID, update.TxID, create.Record().TxID}
	if len(lineage) != len(wantIDs) {
		t.Fatalf("se esperaban %d registros, got %d", len(wantIDs), len(lineage))
	}
	for i, rec := range lineage {
		if rec.TxID != wantIDs[i] {
			t.Errorf("posición %d: got %s, want %s", i, rec.TxID, wantIDs[i])
		}
	}

	err := bc.AddNewTransaction(NewUpdateOrder(orgB.TxID, code, payload(`{}`)))
	if !errors.Is(err, ErrOrderCompleted) {
		t.Fatalf("una orden completada no admite cambios, got %v", err)
	}

	// El mismo historial tras minar todo.
	mustMine(t, bc)
	if got := bc.GetOrderLineage(code); len(got) != 4 || got[0].TxID != complete.TxID {
		t.Fatalf("historial tras minar inesperado: %+v", got)
	}

	if got := bc.GetOrderLineage("DESCONOCIDA"); len(got) != 0 {
		t.Fatal("una orden desconocida devuelve historial vacío")
	}
}

func TestTransferChangesOwner(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	orgA := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{"name":"A"}`)))
	orgB := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{"name":"B"}`)))
	create := NewCreateOrder(orgA.TxID, payload(`{}`))
	mustAdmit(t, bc, create)
	code := create.OrderCode()

	if err := bc.AddNewTransaction(NewUpdateOrder(orgB.TxID, code, payload(`{}`))); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("B no es dueño antes de la transferencia, got %v", err)
	}
	mustAdmit(t, bc, NewTransferOrder(orgA.TxID, code, orgB.TxID, payload(`{}`)))

	if err := bc.AddNewTransaction(NewUpdateOrder(orgA.TxID, code, payload(`{}`))); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("A ya no es dueño, got %v", err)
	}
	if err := bc.AddNewTransaction(NewTransferOrder(orgA.TxID, code, orgA.TxID, payload(`{}`))); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("A no puede transferir una orden ajena, got %v", err)
	}
	mustAdmit(t, bc, NewUpdateOrder(orgB.TxID, code, payload(`{}`)))
	mustAdmit(t, bc, NewCompleteOrder(orgB.TxID, code, payload(`{}`)))
}

func TestMutationOfUnknownOrder(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	err := bc.AddNewTransaction(NewUpdateOrder("org", "NOPE", payload(`{}`)))
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("se esperaba ErrOrderNotFound, got %v", err)
	}
}

func TestConcurrentAdmissionSamePredecessor(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	org := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{}`)))
	create := NewCreateOrder(org.TxID, payload(`{}`))
	mustAdmit(t, bc, create)
	code := create.OrderCode()

	// Varias transferencias compiten; solo la primera encuentra a org como dueño.
	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := NewTransferOrder(org.TxID, code, fmt.Sprintf("dest-%d", i), payload(`{}`))
			errs[i] = bc.AddNewTransaction(tx)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrNotOwner) {
			t.Fatalf("error inesperado: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("exactamente una transferencia debía ser admitida, fueron %d", ok)
	}
	if got := len(bc.GetOrderLineage(code)); got != 2 {
		t.Fatalf("el historial debería tener 2 registros, tiene %d", got)
	}
}

func TestIndexMatchesLinearScan(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	org := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{}`)))
	mustMine(t, bc)
	create := NewCreateOrder(org.TxID, payload(`{}`))
	mustAdmit(t, bc, create)
	mustMine(t, bc)
	update := mustAdmit(t, bc, NewUpdateOrder(org.TxID, create.OrderCode(), payload(`{}`)))

	scan := ScanHistory{Chain: bc.Chain(), Pending: bc.Pending()}
	bc.mu.RLock()
	index := indexHistory{bc}
	gotRec, gotBlock, gotOK := index.LatestOrderTx(create.OrderCode())
	orgBlock, orgOK := index.FindOrganization(org.TxID)
	bc.mu.RUnlock()

	wantRec, wantBlock, wantOK := scan.LatestOrderTx(create.OrderCode())
	if gotOK != wantOK || gotRec.TxID != wantRec.TxID || gotBlock != wantBlock {
		t.Fatalf("índice y escaneo difieren: (%s,%d) vs (%s,%d)", gotRec.TxID, gotBlock, wantRec.TxID, wantBlock)
	}
	if gotRec.TxID != update.TxID || gotBlock != 3 {
		t.Fatalf("el último registro pendiente debería ser el update en el bloque 3, got %s en %d", gotRec.TxID, gotBlock)
	}
	scanBlock, scanOK := scan.FindOrganization(org.TxID)
	if orgOK != scanOK || orgBlock != scanBlock || orgBlock != 1 {
		t.Fatalf("organización: índice %d/%v, escaneo %d/%v", orgBlock, orgOK, scanBlock, scanOK)
	}
}

func TestBlockchainReloadsFromStorage(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	bc, err := NewBlockchain(store, testDifficulty)
	if err != nil {
		t.Fatal(err)
	}
	org := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{"name":"A"}`)))
	mustMine(t, bc)
	create := NewCreateOrder(org.TxID, payload(`{"item":"x"}`))
	mustAdmit(t, bc, create)

	reopened, err := NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := NewBlockchain(reopened, testDifficulty)
	if err != nil {
		t.Fatalf("recarga falló: %v", err)
	}
	if restored.Len() != 2 {
		t.Fatalf("se esperaban 2 bloques, got %d", restored.Len())
	}
	if restored.LastBlock().Hash != bc.LastBlock().Hash {
		t.Fatal("la punta recargada no coincide")
	}
	if len(restored.Pending()) != 1 {
		t.Fatalf("el pool pendiente debería restaurarse, got %d", len(restored.Pending()))
	}
	// El índice se reconstruye: la orden pendiente sigue siendo modificable.
	mustAdmit(t, restored, NewUpdateOrder(org.TxID, create.OrderCode(), payload(`{}`)))
}

func TestReplaceChain(t *testing.T) {
	local, localStore := newTestBlockchain(t)
	remote, _ := newTestBlockchain(t)

	org := mustAdmit(t, remote, NewCreateOrganization(nil, payload(`{}`)))
	mustMine(t, remote)
	mustAdmit(t, remote, NewCreateOrder(org.TxID, payload(`{}`)))
	mustMine(t, remote)

	replaced, err := local.TryReplaceChain(remote.Chain()[:1])
	if err != nil || replaced {
		t.Fatalf("una cadena igual de larga no reemplaza: %v %v", replaced, err)
	}

	replaced, err = local.TryReplaceChain(remote.Chain())
	if err != nil || !replaced {
		t.Fatalf("la cadena más larga debería reemplazar: %v %v", replaced, err)
	}
	if local.LastBlock().Hash != remote.LastBlock().Hash {
		t.Fatal("la punta local debería ser la remota")
	}
	// El índice ve la organización de la cadena nueva.
	mustAdmit(t, local, NewCreateOrder(org.TxID, payload(`{}`)))

	stored, err := localStore.LoadChain()
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 || stored[2].Hash != remote.LastBlock().Hash {
		t.Fatal("la cadena reemplazada no quedó persistida")
	}
}

func TestMineRebuildsCandidateAfterReplacement(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	remote, _ := newTestBlockchain(t)
	mustAdmit(t, remote, NewCreateOrganization(nil, payload(`{}`)))
	mustMine(t, remote)

	mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{"local":true}`)))
	tip := bc.LastBlock()
	if _, err := bc.TryReplaceChain(remote.Chain()); err != nil {
		t.Fatal(err)
	}

	// Un candidato armado sobre la punta vieja no se confirma.
	candidate := NewBlock(tip.Index+1, bc.Pending(), tip.Hash)
	proof, err := bc.ProofOfWork(context.Background(), candidate)
	if err != nil {
		t.Fatal(err)
	}
	block, err := bc.commitMined(tip, candidate, proof, 1)
	if err != nil || block != nil {
		t.Fatalf("el candidato viejo no debería confirmarse: %v %v", block, err)
	}

	mined := mustMine(t, bc)
	if mined.Index != 2 || mined.PrevHash != remote.LastBlock().Hash {
		t.Fatalf("el bloque debería minarse sobre la cadena nueva: %+v", mined)
	}
}

func TestAddBlockRejectsInvalid(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	block := NewBlock(1, []TxRecord{}, "no-es-la-punta")
	proof, err := bc.ProofOfWork(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := bc.AddBlock(block, proof)
	if err != nil || ok {
		t.Fatalf("un bloque que no enlaza con la punta no se agrega: %v %v", ok, err)
	}
	if bc.Len() != 1 {
		t.Fatal("la cadena no debería cambiar")
	}
}

// appendBlock mina un bloque con txs sobre la punta y lo agrega con AddBlock
func appendBlock(t *testing.T, bc *Blockchain, txs ...TxRecord) *Block {
	t.Helper()
	tip := bc.LastBlock()
	block := NewBlock(tip.Index+1, txs, tip.Hash)
	proof, err := bc.ProofOfWork(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := bc.AddBlock(block, proof)
	if err != nil || !ok {
		t.Fatalf("AddBlock falló: %v %v", ok, err)
	}
	return block
}

func TestAdmissionDuringMiningPointsPastCandidate(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	org := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{}`)))

	var create, update TxRecord
	var code string
	bc.beforeCommit = func() {
		bc.beforeCommit = nil
		order := NewCreateOrder(org.TxID, payload(`{}`))
		create = mustAdmit(t, bc, order)
		code = order.OrderCode()
		update = mustAdmit(t, bc, NewUpdateOrder(org.TxID, code, payload(`{}`)))
	}

	first := mustMine(t, bc)
	if len(first.Transactions) != 1 || first.Transactions[0].TxID != org.TxID {
		t.Fatalf("el bloque 1 debería tener solo la organización: %+v", first.Transactions)
	}
	if *create.PrevTxBlockID != 1 {
		t.Fatalf("la organización quedó en el bloque 1, got %d", *create.PrevTxBlockID)
	}
	if *update.PrevTxBlockID != 2 {
		t.Fatalf("el CreateOrder admitido durante el minado va al bloque 2, got %d", *update.PrevTxBlockID)
	}

	second := mustMine(t, bc)
	if second.Index != 2 || len(second.Transactions) != 2 {
		t.Fatalf("bloque 2 inesperado: %+v", second)
	}
	lineage := bc.GetOrderLineage(code)
	if len(lineage) != 2 || lineage[0].TxID != update.TxID || lineage[1].TxID != create.TxID {
		t.Fatalf("historial incompleto: %d registros", len(lineage))
	}
}

func TestLineageFindsPredecessorOutsideNamedBlock(t *testing.T) {
	bc, _ := newTestBlockchain(t)

	org := NewCreateOrganization(nil, payload(`{}`))
	org.assignID()
	orgID := org.Record().TxID

	create := NewCreateOrder(orgID, payload(`{}`))
	create.setPrev(orgID, 1)
	create.assignID()
	update := NewUpdateOrder(orgID, create.OrderCode(), payload(`{}`))
	// Apunta al bloque 1 aunque el CreateOrder quede en el 2.
	update.setPrev(create.Record().TxID, 1)
	update.assignID()

	appendBlock(t, bc, org.Record())
	appendBlock(t, bc, create.Record(), update.Record())

	lineage := bc.GetOrderLineage(create.OrderCode())
	if len(lineage) != 2 || lineage[1].Type != TxCreateOrder {
		t.Fatalf("el predecesor debería encontrarse fuera del bloque indicado: %d registros", len(lineage))
	}
}

func TestIsValidChainRequiresGenesis(t *testing.T) {
	bc, store := newTestBlockchain(t)
	genesis := bc.LastBlock()

	b3 := NewBlock(3, []TxRecord{}, "0")
	proof, err := bc.ProofOfWork(context.Background(), b3)
	if err != nil {
		t.Fatal(err)
	}
	b3.Hash = proof
	b4 := NewBlock(4, []TxRecord{}, b3.Hash)
	if b4.Hash, err = bc.ProofOfWork(context.Background(), b4); err != nil {
		t.Fatal(err)
	}
	if bc.IsValidChain([]*Block{b3, b4}) {
		t.Fatal("una cadena que no empieza en el índice 0 no es válida")
	}

	rooted := *genesis
	rooted.PrevHash = "x"
	if bc.IsValidChain([]*Block{&rooted}) {
		t.Fatal("el génesis debe tener prev_hash 0")
	}

	if _, err := bc.TryReplaceChain([]*Block{b3, b4}); err == nil {
		t.Fatal("el reemplazo debe rechazar una cadena sin génesis")
	}
	stored, err := store.LoadChain()
	if err != nil {
		t.Fatal(err)
	}
	if bc.Len() != 1 || len(stored) != 1 || stored[0].Hash != genesis.Hash {
		t.Fatal("la cadena local y la persistida no deberían cambiar")
	}
}

// flakyStore falla al guardar el pool cuando failPending está activo
type flakyStore struct {
	*FileStorage
	failPending bool
}

func (s *flakyStore) SavePending(pending []TxRecord) error {
	if s.failPending {
		return errors.New("disco lleno")
	}
	return s.FileStorage.SavePending(pending)
}

func TestMineKeepsBlockWhenPoolSaveFails(t *testing.T) {
	files, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := &flakyStore{FileStorage: files}
	bc, err := NewBlockchain(store, testDifficulty)
	if err != nil {
		t.Fatal(err)
	}
	org := mustAdmit(t, bc, NewCreateOrganization(nil, payload(`{}`)))

	store.failPending = true
	block, err := bc.Mine(context.Background())
	if err != nil || block == nil {
		t.Fatalf("el bloque minado no debe perderse: %v %v", block, err)
	}
	if len(bc.Pending()) != 0 {
		t.Fatal("el pool en memoria debería quedar vacío")
	}

	restored, err := NewBlockchain(files, testDifficulty)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Len() != 2 || len(restored.Pending()) != 0 {
		t.Fatalf("la transacción %s no debe volver al pool: %d pendientes", org.TxID, len(restored.Pending()))
	}
}

func TestReplaceChainDropsUnresolvablePending(t *testing.T) {
	local, localStore := newTestBlockchain(t)
	orgA := mustAdmit(t, local, NewCreateOrganization(nil, payload(`{"name":"A"}`)))
	mustMine(t, local)

	orgB := mustAdmit(t, local, NewCreateOrganization(nil, payload(`{"name":"B"}`)))
	order := NewCreateOrder(orgA.TxID, payload(`{}`))
	mustAdmit(t, local, order)
	mustAdmit(t, local, NewUpdateOrder(orgA.TxID, order.OrderCode(), payload(`{}`)))

	// Cadena ajena sin la organización A.
	if _, err := local.TryReplaceChain(chainOfLength(t, 3)); err != nil {
		t.Fatal(err)
	}

	pending := local.Pending()
	if len(pending) != 1 || pending[0].TxID != orgB.TxID {
		t.Fatalf("solo la organización B sigue resolviendo: %d pendientes", len(pending))
	}
	if lineage := local.GetOrderLineage(order.OrderCode()); len(lineage) != 0 {
		t.Fatal("la orden descartada no debería tener historial")
	}
	stored, err := localStore.LoadPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Fatalf("el pool depurado debería persistirse, got %d", len(stored))
	}
}

func TestReplaceChainKeepsResolvablePending(t *testing.T) {
	local, _ := newTestBlockchain(t)
	orgA := mustAdmit(t, local, NewCreateOrganization(nil, payload(`{"name":"A"}`)))
	mustMine(t, local)

	orgB := mustAdmit(t, local, NewCreateOrganization(nil, payload(`{"name":"B"}`)))
	order := NewCreateOrder(orgA.TxID, payload(`{}`))
	mustAdmit(t, local, order)

	// El remoto extiende la cadena local e incluye a B en su bloque 2.
	remote, _ := newTestBlockchain(t)
	if _, err := remote.TryReplaceChain(local.Chain()); err != nil {
		t.Fatal(err)
	}
	appendBlock(t, remote, orgB)

	replaced, err := local.TryReplaceChain(remote.Chain())
	if err != nil || !replaced {
		t.Fatalf("se esperaba reemplazo: %v %v", replaced, err)
	}
	pending := local.Pending()
	if len(pending) != 1 || pending[0].Type != TxCreateOrder {
		t.Fatalf("B ya está minada y la orden sigue siendo válida: %+v", pending)
	}
	mustAdmit(t, local, NewUpdateOrder(orgA.TxID, order.OrderCode(), payload(`{}`)))
}
