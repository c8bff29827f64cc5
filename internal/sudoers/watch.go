package sudoers

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/sudosh/sudosh/internal/model"
)

// CachedParser caches a Parser's rule list and invalidates it when the
// main file or the include directory changes, so the Policy Set is
// rebuilt on the next decision rather than on every command.
type CachedParser struct {
	parser  *Parser
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	rules []model.Rule
	valid bool
}

// NewCached wraps p with an fsnotify watcher over the main file's
// directory and the include directory. Watch failures are non-fatal:
// the cache then simply never invalidates between explicit Invalidate
// calls.
func NewCached(p *Parser) *CachedParser {
	c := &CachedParser{parser: p}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("sudoers: fsnotify unavailable, policy reload disabled")
		return c
	}
	c.watcher = w

	if dir := filepath.Dir(p.MainPath); dir != "" {
		if err := w.Add(dir); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("sudoers: cannot watch policy file directory")
		}
	}
	if p.IncludeDir != "" {
		if err := w.Add(p.IncludeDir); err != nil {
			log.Debug().Err(err).Str("dir", p.IncludeDir).Msg("sudoers: cannot watch include directory")
		}
	}

	go c.loop()
	return c
}

func (c *CachedParser) loop() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				c.Invalidate()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("sudoers: watcher error")
		}
	}
}

// Invalidate drops the cached rule list; the next Rules call reparses.
func (c *CachedParser) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// Rules returns the cached rule list, reparsing when invalidated.
func (c *CachedParser) Rules() ([]model.Rule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid {
		return c.rules, nil
	}
	rules, err := c.parser.Parse()
	if err != nil {
		return rules, err
	}
	c.rules = rules
	c.valid = true
	return rules, nil
}

// Close stops the watcher.
func (c *CachedParser) Close() error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Close()
}
