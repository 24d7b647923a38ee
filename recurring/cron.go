package recurring

import (
	"sync"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both 5-field (no seconds) and 6-field (with seconds)
// expressions plus the @every/@daily descriptors (spec §4.2 "Support 5- and
// 6-field cron").
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronCache parses a cron expression once and reuses the parsed schedule for
// every subsequent lookup with the same expression string, invalidating only
// when the string itself changes (spec §4.2 "parse once and cache the parsed
// expression").
type CronCache struct {
	mu      sync.RWMutex
	entries map[string]cron.Schedule
}

// NewCronCache creates an empty cache.
func NewCronCache() *CronCache {
	return &CronCache{entries: make(map[string]cron.Schedule)}
}

// DefaultCronCache is shared by all schedules unless a component is given
// its own cache explicitly (read-mostly concurrent map per spec §5).
var DefaultCronCache = NewCronCache()

// Parse returns the cached cron.Schedule for expr, parsing and caching it on
// first use.
func (c *CronCache) Parse(expr string) (cron.Schedule, error) {
	c.mu.RLock()
	sched, ok := c.entries[expr]
	c.mu.RUnlock()
	if ok {
		return sched, nil
	}

	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[expr] = parsed
	c.mu.Unlock()
	return parsed, nil
}
