// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package layout

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/iopulse/iopulse/pkg/ioerr"
)

// ManifestCache remembers which manifest paths were last confirmed to
// match an on-disk dataset tree, keyed by the manifest's own mtime and
// size, so a rerun can tell whether a manifest changed since it was last
// recorded. It only records and compares fingerprints; it does not decide
// whether anything is prepared. It is disposable: a miss is never a
// correctness problem.
type ManifestCache struct {
	db *badger.DB
}

// OpenManifestCache opens (creating if needed) an on-disk badger store
// rooted at dir.
func OpenManifestCache(dir string) (*ManifestCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioerr.Newf(ioerr.Preparation, err, "layout: failed to create manifest cache dir %s", dir)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, ioerr.Newf(ioerr.Preparation, err, "layout: failed to open manifest cache at %s", dir)
	}
	return &ManifestCache{db: db}, nil
}

// Close releases the underlying badger handles.
func (c *ManifestCache) Close() error {
	return c.db.Close()
}

func cacheKey(manifestPath string) []byte {
	return []byte("manifest:" + filepath.Clean(manifestPath))
}

func fingerprint(info os.FileInfo) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(info.ModTime().UnixNano()))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(info.Size()))
	return buf
}

// Fresh reports whether manifestPath's mtime/size still matches the
// fingerprint recorded by the last MarkFresh call. A missing manifest,
// or one never recorded, is never fresh.
func (c *ManifestCache) Fresh(manifestPath string) bool {
	info, err := os.Stat(manifestPath)
	if err != nil {
		return false
	}
	want := fingerprint(info)

	var got []byte
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(manifestPath))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			got = append(got[:0], v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) || err != nil {
		return false
	}
	return string(got) == string(want)
}

// MarkFresh records manifestPath's current mtime/size fingerprint, so a
// later Fresh call with an unchanged manifest reports true.
func (c *ManifestCache) MarkFresh(manifestPath string) error {
	info, err := os.Stat(manifestPath)
	if err != nil {
		return ioerr.Newf(ioerr.Preparation, err, "layout: failed to stat manifest %s", manifestPath)
	}
	val := fingerprint(info)
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey(manifestPath), val)
	})
}
