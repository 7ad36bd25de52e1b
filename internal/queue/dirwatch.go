package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/mahirjain10/video-workers/internal/types"
	"github.com/mahirjain10/video-workers/internal/utils"
)

const (
	processedDir = "processed"
	rejectedDir  = "rejected"
	rescanEvery  = 30 * time.Second
)

type DirConfig struct {
	InboxDir  string
	OutboxDir string
}

// DirService is a filesystem event channel for running without a broker. Upload events
// are *.json files moved into the inbox; results are written to the outbox.
// Producers should write elsewhere and rename into the inbox so a file is never read half-written.
type DirService struct {
	logger  hclog.Logger
	config  DirConfig
	handler *UploadHandler
}

func NewDirService(logger hclog.Logger, config DirConfig, handler *UploadHandler) *DirService {
	return &DirService{
		logger:  logger.Named("dirwatch"),
		config:  config,
		handler: handler,
	}
}

// Prepare creates the inbox, its archive folders and the outbox.
func (s *DirService) Prepare() error {
	for _, dir := range []string{
		s.config.InboxDir,
		filepath.Join(s.config.InboxDir, processedDir),
		filepath.Join(s.config.InboxDir, rejectedDir),
		s.config.OutboxDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Start watches the inbox until ctx is cancelled. Files already present are handled first,
// and the inbox is rescanned periodically to pick up events that were left for a retry.
func (s *DirService) Start(ctx context.Context) error {
	if err := s.Prepare(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.config.InboxDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.config.InboxDir, err)
	}
	s.logger.Info("watching inbox", "dir", s.config.InboxDir)

	s.scan(ctx)
	ticker := time.NewTicker(rescanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down inbox watcher")
			return nil
		case <-ticker.C:
			s.scan(ctx)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(s.config.InboxDir) || !isEventFile(event.Name) {
				continue
			}
			s.process(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("file watcher error", "error", err)
		}
	}
}

func isEventFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

func (s *DirService) scan(ctx context.Context) {
	entries, err := os.ReadDir(s.config.InboxDir)
	if err != nil {
		s.logger.Error("failed to scan inbox", "error", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isEventFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		s.process(ctx, filepath.Join(s.config.InboxDir, name))
	}
}

// process handles one inbox file and archives it unless it should be retried.
func (s *DirService) process(ctx context.Context, path string) {
	log := s.logger.With("file", filepath.Base(path))
	body, err := os.ReadFile(path)
	if err != nil {
		// already archived by an earlier event for the same file
		if !os.IsNotExist(err) {
			log.Warn("failed to read event file", "error", err)
		}
		return
	}

	err = s.handler.Handle(ctx, body)
	switch {
	case err == nil:
		s.archive(log, path, processedDir)
	case shouldRequeue(err):
		log.Warn("event left in inbox for retry", "error", err)
	default:
		log.Error("rejecting event file", "error", err)
		s.archive(log, path, rejectedDir)
	}
}

func (s *DirService) archive(log hclog.Logger, path, folder string) {
	dest := filepath.Join(s.config.InboxDir, folder, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		log.Warn("failed to archive event file", "error", err)
		if err := utils.RemoveLocal(path); err != nil {
			log.Error("failed to remove event file, it will be handled again", "error", err)
		}
	}
}

func (s *DirService) removeTemp(path string) {
	if err := utils.RemoveLocal(path); err != nil {
		s.logger.Warn("failed to remove temp result file", "error", err)
	}
}

var outboxNamer = strings.NewReplacer("/", "_", "\\", "_", ":", "_")

// PublishResult writes msg as <job>-<nanos>.json into the outbox via a temp file and rename.
func (s *DirService) PublishResult(ctx context.Context, msg types.ResultMessage) error {
	body, err := utils.SerializeJSON(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	name := fmt.Sprintf("%s-%d.json", outboxNamer.Replace(msg.JobID), time.Now().UnixNano())

	tmp, err := os.CreateTemp(s.config.OutboxDir, ".result-*")
	if err != nil {
		return fmt.Errorf("failed to create result file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		s.removeTemp(tmp.Name())
		return fmt.Errorf("failed to write result file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.removeTemp(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.config.OutboxDir, name)); err != nil {
		s.removeTemp(tmp.Name())
		return fmt.Errorf("failed to publish result file: %w", err)
	}
	s.logger.Debug("result written", "job_id", msg.JobID, "file", name)
	return nil
}
