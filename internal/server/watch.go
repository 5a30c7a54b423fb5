package server

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oilcast/featurepipe/internal/steps"
)

func (s *Server) reloadSteps() error {
	loaded, err := steps.LoadDir(s.cfg.StepsDir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sqlSteps = loaded
	s.mu.Unlock()
	return nil
}

// watchSteps reloads the SQL steps when a file in the steps directory changes.
// A file that fails to parse keeps the previous set in place.
func (s *Server) watchSteps(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.cfg.StepsDir); err != nil {
		s.logger.Error("failed to watch steps directory", "dir", s.cfg.StepsDir, "error", err)
		<-ctx.Done()
		return nil
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".sql" {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				s.logger.Debug("step file changed, reloading", "file", event.Name)
				if err := s.reloadSteps(); err != nil {
					s.logger.Error("reload steps failed", "error", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watcher error", "error", err)
		}
	}
}
