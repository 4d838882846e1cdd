package analytics

/*
gareplay — replay recorded web traffic itineraries in Go
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
	bolt "go.etcd.io/bbolt"

	"github.com/x-stp/gareplay/internal/metrics"
)

var reportsBucket = []byte("reports")

// Cache stores complete report results in a BoltDB file, keyed by query.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens (or creates) the cache file at path.
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open analytics cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) (err error) {
		_, err = tx.CreateBucketIfNotExists(reportsBucket)
		return
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create cache bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// Key returns the cache key of q.
func Key(q Query) []byte {
	canonical := strings.Join([]string{
		q.ViewID,
		q.Start.Format("2006-01-02"),
		q.End.Format("2006-01-02"),
		strings.Join(q.Dimensions(), ","),
	}, "|")
	return []byte(strconv.FormatUint(xxh3.HashString(canonical), 16))
}

// Get returns the cached rows of q, if any.
func (c *Cache) Get(q Query) (rows [][]string, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(reportsBucket).Get(Key(q))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &rows)
	})
	if metrics.IsMetricsEnabled() {
		result := "miss"
		if ok {
			result = "hit"
		}
		metrics.GetMetrics().AnalyticsCacheHits.WithLabelValues(result).Inc()
	}
	if err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return rows, ok, nil
}

// Put stores rows as the result of q.
func (c *Cache) Put(q Query, rows [][]string) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(reportsBucket).Put(Key(q), data)
	})
}
