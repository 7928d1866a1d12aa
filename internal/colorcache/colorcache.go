package colorcache

import (
	"sync"

	"github.com/fatih/color"

	"github.com/kaptenlabs/kapten/internal/util"
)

type colorFn = func(format string, a ...interface{}) string

func terminalTaskColors() []colorFn {
	return []colorFn{color.CyanString, color.MagentaString, color.GreenString, color.YellowString, color.BlueString}
}

// ColorCache assigns a stable terminal color to each task name so
// interleaved task output stays visually separable
type ColorCache struct {
	mu         sync.Mutex
	index      int
	termColors []colorFn
	cache      map[string]colorFn
}

// New creates an empty ColorCache
func New() *ColorCache {
	return &ColorCache{
		termColors: terminalTaskColors(),
		cache:      make(map[string]colorFn),
	}
}

func (c *ColorCache) colorForKey(key string) colorFn {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := c.cache[key]
	if ok {
		return fn
	}
	c.index++
	fn = c.termColors[util.PositiveMod(c.index, len(c.termColors))]
	c.cache[key] = fn
	return fn
}

// PrefixWithColor renders the given prefix in the color assigned to key
func (c *ColorCache) PrefixWithColor(key string, prefix string) string {
	fn := c.colorForKey(key)
	return fn("%s: ", prefix)
}
