// Package leveldb implements the file catalog and the node index on LevelDB.
package leveldb

import (
	"chunkfs/fserr"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	log "github.com/sirupsen/logrus"
)

// DB is the LevelDB handle shared by the indexes. Values are CBOR encoded.
type DB struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func keyFrom(prefix string, id string) []byte {
	return append([]byte(prefix), []byte(id)...)
}

func openDB(path string) (*DB, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		log.Warnf("LevelDB at %s is corrupted, recovering: %v", path, err)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}

	log.Infof("Opened LevelDB at %s", path)

	return &DB{path: path, db: db}, nil
}

// get returns the raw value at key, fserr.NotFound if there is none.
func (l *DB) get(key []byte) ([]byte, error) {
	raw, err := l.db.Get(key, nil)
	if err == errors.ErrNotFound {
		return nil, fserr.NotFound.New("%s", key)
	}
	if err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}
	return raw, nil
}

func (l *DB) has(key []byte) (bool, error) {
	ok, err := l.db.Has(key, nil)
	if err != nil {
		return false, fserr.IOFailure.Wrap(err)
	}
	return ok, nil
}

func (l *DB) Path() string {
	return l.path
}

func (l *DB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
