// Package flatfs stores chunk bytes as plain files named by their OID.
package flatfs

import (
	"chunkfs/fserr"
	"chunkfs/oid"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// FlatFS stores one file per chunk. The first two bytes of the chunk hash,
// in hex, name the shard subdirectory. Files hold raw data without any
// additional metadata.
type FlatFS struct {
	basePath string
}

func New(basePath string) (*FlatFS, error) {
	basePath = filepath.Clean(basePath)

	if err := ensureDir(basePath); err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}

	log.Infof("Opened FlatFS at %s", basePath)

	return &FlatFS{basePath: basePath}, nil
}

// ensureDir checks if a directory exists at the given path, and if not, creates it.
func ensureDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0755)
		}
		return err
	}
	if !stat.IsDir() {
		return &os.PathError{Op: "ensureDir", Path: path, Err: os.ErrExist}
	}
	return nil
}

// oidToPath converts an OID to its file path and the shard directory holding it.
func (f *FlatFS) oidToPath(o oid.Oid) (dirPath string, filePath string) {
	h := o.Hash()
	dirPath = filepath.Join(f.basePath, hex.EncodeToString(h[:2]))
	filePath = filepath.Join(dirPath, o.String())
	return dirPath, filePath
}

func mapError(o oid.Oid, err error) error {
	if os.IsNotExist(err) {
		return fserr.NotFound.New("chunk %s", o.String())
	}
	return fserr.IOFailure.Wrap(err)
}

// Put stores data under its content address and returns it.
func (f *FlatFS) Put(data []byte) (*oid.Oid, error) {
	o := oid.Sum(oid.OidTypeChunk, data)
	dirPath, filePath := f.oidToPath(*o)

	if ok, err := f.Has(*o); err != nil || ok {
		return o, err
	}

	if err := ensureDir(dirPath); err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}

	// Write to a temporary file first so readers never see a partial chunk
	tmp, err := os.CreateTemp(dirPath, ".put-*")
	if err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fserr.IOFailure.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}

	log.Debugf("FlatFS.Put: %s, %d bytes", o.String(), len(data))
	return o, nil
}

// Open returns a stream over the chunk bytes.
func (f *FlatFS) Open(o oid.Oid) (io.ReadCloser, error) {
	_, filePath := f.oidToPath(o)
	file, err := os.Open(filePath)
	if err != nil {
		return nil, mapError(o, err)
	}
	return file, nil
}

// Get reads the chunk and checks it against its content address.
func (f *FlatFS) Get(o oid.Oid) ([]byte, error) {
	_, filePath := f.oidToPath(o)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, mapError(o, err)
	}
	if !oid.Sum(oid.OidTypeChunk, data).Equal(o) {
		log.Errorf("FlatFS.Get: chunk %s fails its hash check", o.String())
		return nil, fserr.Corrupted.New("chunk %s fails its hash check", o.String())
	}
	return data, nil
}

func (f *FlatFS) Has(o oid.Oid) (bool, error) {
	_, filePath := f.oidToPath(o)
	stat, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fserr.IOFailure.Wrap(err)
	}
	return !stat.IsDir(), nil
}

func (f *FlatFS) Delete(o oid.Oid) error {
	_, filePath := f.oidToPath(o)
	err := os.Remove(filePath)
	if err != nil && !os.IsNotExist(err) {
		return fserr.IOFailure.Wrap(err)
	}
	return nil
}

// Enumerate lists the OIDs of all stored chunks. Entries that do not parse as
// OIDs are skipped with a warning.
func (f *FlatFS) Enumerate() ([]oid.Oid, error) {
	var oids []oid.Oid

	shardDirEntries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}

	for _, shardDirEntry := range shardDirEntries {
		if !shardDirEntry.IsDir() {
			log.Warnf("Skipping non-directory entry in FlatFS base path: %s", filepath.Join(f.basePath, shardDirEntry.Name()))
			continue
		}

		shardPath := filepath.Join(f.basePath, shardDirEntry.Name())
		chunkFileEntries, err := os.ReadDir(shardPath)
		if err != nil {
			return nil, fserr.IOFailure.Wrap(err)
		}

		for _, entry := range chunkFileEntries {
			if entry.IsDir() {
				log.Warnf("Skipping unexpected subdirectory in shard %s: %s", shardPath, entry.Name())
				continue
			}
			o, err := oid.FromString(entry.Name())
			if err != nil {
				log.Debugf("Skipping file %s in shard %s, not a valid OID: %v", entry.Name(), shardPath, err)
				continue
			}
			oids = append(oids, *o)
		}
	}

	return oids, nil
}

func (f *FlatFS) Close() error {
	return nil
}
