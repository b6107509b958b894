package ledger

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLedger builds a ledger backend by kind: memory, sqlite or badger. path is the
// sqlite file or badger directory.
func NewLedger(kind, path string, logger *zap.Logger) (Ledger, error) {
	switch kind {
	case "", "memory":
		return NewMemoryLedger(), nil
	case "sqlite":
		return NewSQLiteLedger(path), nil
	case "badger":
		return NewBadgerLedger(BadgerOptions{Path: path, SyncWrites: true, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unsupported ledger backend: %s", kind)
	}
}

func CloseIfSupported(ledger Ledger) error {
	closer, ok := ledger.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
