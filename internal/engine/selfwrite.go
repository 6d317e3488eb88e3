package engine

import "sync"

// selfWriteSet tracks paths the engine itself just wrote to the sync root,
// so the local watcher can tell a download apart from a genuine local edit
// without a second round trip through the index.
type selfWriteSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func newSelfWriteSet() *selfWriteSet {
	return &selfWriteSet{paths: make(map[string]struct{})}
}

// Mark records path as self-written; the next fsnotify event observed for it
// is expected to be consumed via ConsumeSelfWrite.
func (s *selfWriteSet) Mark(path string) {
	s.mu.Lock()
	s.paths[path] = struct{}{}
	s.mu.Unlock()
}

// ConsumeSelfWrite reports and clears whether path was just self-written.
func (s *selfWriteSet) ConsumeSelfWrite(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.paths[path]; ok {
		delete(s.paths, path)
		return true
	}

	return false
}

// ConsumeSelfWrite implements watcher.SelfWriteSuppressor so an *Engine can
// be passed directly to watcher.New without either package importing the
// other.
func (e *Engine) ConsumeSelfWrite(path string) bool {
	return e.selfWrite.ConsumeSelfWrite(path)
}
