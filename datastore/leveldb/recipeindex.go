package leveldb

import (
	"chunkfs/datamodel/object"
	"chunkfs/datamodel/recipe"
	"chunkfs/filesystem"
	"chunkfs/fserr"
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixRecipe = "RCP" // File recipe. Followed by the absolute path
	keyPrefixDir    = "DIR" // Directory metadata. Followed by the absolute path
)

var _ filesystem.Catalog = (*RecipeIndex)(nil)

// RecipeIndex is the file catalog: recipes of files and the directories
// holding them. Directories are created implicitly by Put.
type RecipeIndex struct {
	*DB
}

func NewRecipeIndex(path string) (*RecipeIndex, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &RecipeIndex{DB: db}, nil
}

func rootMetadata() object.Metadata {
	return object.Metadata{Path: "/", IsDirectory: true}
}

// Put stores rec under its path and creates the missing parent directories.
func (l *RecipeIndex) Put(rec *recipe.Recipe) error {
	p := object.CleanPath(rec.Path())
	if p == "" || p == "/" || rec.Metadata().IsDirectory {
		return fserr.InvalidArgument.New("cannot store a file at %q", rec.Path())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ok, err := l.has(keyFrom(keyPrefixDir, p)); err != nil || ok {
		if err != nil {
			return err
		}
		return fserr.InvalidArgument.New("%s is a directory", p)
	}

	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(keyFrom(keyPrefixRecipe, p), raw)

	now := time.Now().UTC()
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		if ok, err := l.has(keyFrom(keyPrefixRecipe, dir)); err != nil || ok {
			if err != nil {
				return err
			}
			return fserr.InvalidArgument.New("parent %s of %s is a file", dir, p)
		}
		md, err := cbor.Marshal(&object.Metadata{Path: dir, IsDirectory: true, LastModified: now})
		if err != nil {
			return err
		}
		batch.Put(keyFrom(keyPrefixDir, dir), md)
	}

	if err := l.db.Write(batch, nil); err != nil {
		return fserr.IOFailure.Wrap(err)
	}

	log.Debugf("RecipeIndex.Put: %s, %d bytes in %d chunks", p, rec.Size(), rec.NumChunks())
	return nil
}

// Delete removes the recipe at p. Directories are left in place.
func (l *RecipeIndex) Delete(p string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.db.Delete(keyFrom(keyPrefixRecipe, object.CleanPath(p)), nil); err != nil {
		return fserr.IOFailure.Wrap(err)
	}
	return nil
}

// FetchRecipe returns the recipe of the file at p. A directory yields an
// empty recipe flagged as such.
func (l *RecipeIndex) FetchRecipe(ctx context.Context, p string) (*recipe.Recipe, error) {
	p = object.CleanPath(p)

	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.get(keyFrom(keyPrefixRecipe, p))
	if fserr.NotFound.Has(err) {
		md, derr := l.dirMetadata(p)
		if derr != nil {
			return nil, derr
		}
		return recipe.New(md, 0, nil)
	}
	if err != nil {
		return nil, err
	}

	rec := &recipe.Recipe{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, fserr.Corrupted.Wrap(err)
	}
	return rec, nil
}

func (l *RecipeIndex) dirMetadata(p string) (object.Metadata, error) {
	if p == "/" {
		return rootMetadata(), nil
	}

	raw, err := l.get(keyFrom(keyPrefixDir, p))
	if err != nil {
		return object.Metadata{}, err
	}
	md := object.Metadata{}
	if err := cbor.Unmarshal(raw, &md); err != nil {
		return object.Metadata{}, fserr.Corrupted.Wrap(err)
	}
	return md, nil
}

// FetchMetadata returns the metadata of the file or directory at p.
func (l *RecipeIndex) FetchMetadata(ctx context.Context, p string) (*object.Metadata, error) {
	rec, err := l.FetchRecipe(ctx, p)
	if err != nil {
		return nil, err
	}
	md := rec.Metadata()
	return &md, nil
}

// FetchListing returns the direct children of directory p sorted by path.
func (l *RecipeIndex) FetchListing(ctx context.Context, p string) ([]object.Metadata, error) {
	p = object.CleanPath(p)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.dirMetadata(p); err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(p, "/") + "/"
	var children []object.Metadata

	for _, kp := range []string{keyPrefixDir, keyPrefixRecipe} {
		iter := l.db.NewIterator(util.BytesPrefix(keyFrom(kp, prefix)), nil)
		for iter.Next() {
			rest := string(iter.Key()[len(kp)+len(prefix):])
			if rest == "" || strings.Contains(rest, "/") {
				continue
			}

			md, err := decodeMetadata(kp, iter.Value())
			if err != nil {
				iter.Release()
				return nil, err
			}
			children = append(children, md)
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return nil, fserr.IOFailure.Wrap(err)
		}
	}

	sort.Slice(children, func(i, j int) bool {
		return children[i].Path < children[j].Path
	})
	return children, nil
}

func decodeMetadata(kp string, raw []byte) (object.Metadata, error) {
	if kp == keyPrefixDir {
		md := object.Metadata{}
		if err := cbor.Unmarshal(raw, &md); err != nil {
			return md, fserr.Corrupted.Wrap(err)
		}
		return md, nil
	}

	rec := &recipe.Recipe{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return object.Metadata{}, fserr.Corrupted.Wrap(err)
	}
	return rec.Metadata(), nil
}
