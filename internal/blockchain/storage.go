package blockchain

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Store persiste la cadena, el pool pendiente y el registro de peers
type Store interface {
	LoadChain() ([]*Block, error)
	SaveBlock(block *Block) error
	SaveChain(chain []*Block) error

	LoadPending() ([]TxRecord, error)
	SavePending(pending []TxRecord) error

	// LoadNetwork devuelve nil sin error si todavía no hay registro guardado
	LoadNetwork() (*NetworkState, error)
	SaveNetwork(state NetworkState) error
}

// NetworkState es el contenido de nodes.json
type NetworkState struct {
	OwnNodeID string `json:"ownNodeID"`
	Nodes     []Node `json:"nodes"`
}

// FileStorage guarda un archivo por bloque (blocks/<index>.json), el pool en
// pending.json y los peers en nodes.json. Toda escritura reemplaza el archivo
// de forma atómica.
type FileStorage struct {
	rootDir   string
	blocksDir string
}

// NewFileStorage crea la estructura de directorios bajo dir
func NewFileStorage(dir string) (*FileStorage, error) {
	blocks := filepath.Join(dir, "blocks")
	if err := os.MkdirAll(blocks, 0o755); err != nil {
		return nil, err
	}
	return &FileStorage{rootDir: dir, blocksDir: blocks}, nil
}

func (s *FileStorage) blockPath(index int) string {
	return filepath.Join(s.blocksDir, fmt.Sprintf("%d.json", index))
}

// SaveBlock escribe el bloque en su archivo
func (s *FileStorage) SaveBlock(block *Block) error {
	if block == nil {
		return errors.New("bloque nil")
	}
	data, err := block.ToStorageForm()
	if err != nil {
		return err
	}
	return writeFileAtomic(s.blockPath(block.Index), data)
}

// SaveChain escribe todos los bloques y borra los que sobran de una cadena anterior
func (s *FileStorage) SaveChain(chain []*Block) error {
	keep := make(map[int]bool, len(chain))
	for _, block := range chain {
		if err := s.SaveBlock(block); err != nil {
			return err
		}
		keep[block.Index] = true
	}

	indexes, err := s.blockIndexes()
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if keep[idx] {
			continue
		}
		if err := os.Remove(s.blockPath(idx)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return syncDir(s.blocksDir)
}

// LoadChain lee los bloques ordenados por índice. Un hueco o un archivo
// ilegible es un error estructural, nunca un truncamiento silencioso.
func (s *FileStorage) LoadChain() ([]*Block, error) {
	indexes, err := s.blockIndexes()
	if err != nil {
		return nil, err
	}

	chain := make([]*Block, 0, len(indexes))
	for pos, idx := range indexes {
		if idx != pos {
			return nil, fmt.Errorf("%w: %w: se esperaba el bloque %d y se encontró %d", ErrStructural, ErrChainGap, pos, idx)
		}
		data, err := os.ReadFile(s.blockPath(idx))
		if err != nil {
			return nil, fmt.Errorf("%w: %w: bloque %d: %v", ErrStructural, ErrCorruptRecord, idx, err)
		}
		block, err := BlockFromStorageForm(data)
		if err != nil {
			return nil, fmt.Errorf("bloque %d: %w", idx, err)
		}
		if block.Index != idx {
			return nil, fmt.Errorf("%w: %w: el archivo %d contiene el bloque %d", ErrStructural, ErrCorruptRecord, idx, block.Index)
		}
		chain = append(chain, block)
	}
	return chain, nil
}

// blockIndexes lista los índices guardados en orden numérico
func (s *FileStorage) blockIndexes() ([]int, error) {
	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		return nil, err
	}

	var indexes []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: %w: nombre de bloque inválido %q", ErrStructural, ErrCorruptRecord, name)
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes, nil
}

// SavePending guarda el pool completo
func (s *FileStorage) SavePending(pending []TxRecord) error {
	if pending == nil {
		pending = []TxRecord{}
	}
	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.rootDir, "pending.json"), data)
}

// LoadPending lee el pool; si no existe devuelve un pool vacío
func (s *FileStorage) LoadPending() ([]TxRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.rootDir, "pending.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []TxRecord{}, nil
		}
		return nil, err
	}

	var pending []TxRecord
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("%w: %w: pending.json: %v", ErrStructural, ErrCorruptRecord, err)
	}
	if pending == nil {
		pending = []TxRecord{}
	}
	return pending, nil
}

// SaveNetwork guarda la identidad local y los peers
func (s *FileStorage) SaveNetwork(state NetworkState) error {
	if state.Nodes == nil {
		state.Nodes = []Node{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.rootDir, "nodes.json"), data)
}

// LoadNetwork lee nodes.json
func (s *FileStorage) LoadNetwork() (*NetworkState, error) {
	data, err := os.ReadFile(filepath.Join(s.rootDir, "nodes.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var state NetworkState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %w: nodes.json: %v", ErrStructural, ErrCorruptRecord, err)
	}
	if state.OwnNodeID == "" {
		return nil, fmt.Errorf("%w: %w: nodes.json sin ownNodeID", ErrStructural, ErrCorruptRecord)
	}
	return &state, nil
}

// writeFileAtomic escribe en un temporal del mismo directorio y lo renombra
// sobre el destino, así un lector nunca ve un archivo a medias.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Algunos sistemas de archivos no soportan fsync sobre directorios.
	_ = d.Sync()
	return nil
}
