// ScanCache: LRU-кэш сканов по внешнему идентификатору с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/scanstore/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	scanCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanstore_scan_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш сканов.",
	})
	scanCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanstore_scan_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша сканов.",
	})
)

// ScanCache кэширует только неизменяемые поля скана (ID, ExternalID, Date, IP).
// Статус в кэш не попадает: он всегда вычисляется по журналу событий.
type ScanCache struct {
	cache *expirable.LRU[string, *model.Scan]
}

// NewScanCache создаёт LRU-кэш с указанным максимальным размером и TTL.
func NewScanCache(maxSize int, ttl time.Duration) *ScanCache {
	return &ScanCache{cache: expirable.NewLRU[string, *model.Scan](maxSize, nil, ttl)}
}

// Get возвращает копию скана по внешнему идентификатору.
func (c *ScanCache) Get(externalID string) (*model.Scan, bool) {
	val, ok := c.cache.Get(externalID)
	if ok {
		scanCacheHitsTotal.Inc()
		cp := *val
		return &cp, true
	}
	scanCacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет скан в кэш.
func (c *ScanCache) Set(scan *model.Scan) {
	cp := *scan
	c.cache.Add(scan.ExternalID, &cp)
}

// Len возвращает число записей в кэше.
func (c *ScanCache) Len() int {
	return c.cache.Len()
}
