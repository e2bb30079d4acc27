package unauthorized

import (
	"strings"
	"sync"
)

// Routes is an in-memory Navigator tracking the route the local UI shows.
type Routes struct {
	mu      sync.RWMutex
	current string
	history []string
}

func NewRoutes(initial string) *Routes {
	if strings.TrimSpace(initial) == "" {
		initial = "/"
	}
	return &Routes{current: initial}
}

func (r *Routes) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Routes) Navigate(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if route == r.current {
		return
	}
	r.history = append(r.history, r.current)
	if len(r.history) > 32 {
		r.history = r.history[len(r.history)-32:]
	}
	r.current = route
}

// Redirects returns the number of route changes so far.
func (r *Routes) Redirects() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.history)
}
