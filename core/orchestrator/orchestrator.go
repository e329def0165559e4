package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	fp "path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/pgzip"

	"github.com/tjanez/tus/core/archive"
	"github.com/tjanez/tus/core/bridge"
	"github.com/tjanez/tus/core/imaging"
	"github.com/tjanez/tus/core/model"
	"github.com/tjanez/tus/core/progress"
	"github.com/tjanez/tus/core/session"
	"github.com/tjanez/tus/lib/logger"
)

var log, _ = logger.New("orchestrator")

var ErrValidation = errors.New("validation failed")

// CodecPgzip marks a backup whose logical stream was gzip compressed before
// chunking; restore must decompress with the matching reader.
const CodecPgzip = "pgzip"

const (
	BackupLogFilename  = "tus-backup.log"
	RestoreLogFilename = "tus-restore.log"

	lockFilename = ".tus.lock"
)

type State string

const (
	StateValidating State = "validating"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Orchestrator drives one backup or restore run through the
// Validating -> Running -> Succeeded|Failed state machine. Failed runs leave
// their partial chunk files and manifest in place for forensic inspection.
type Orchestrator struct {
	cfg   *Config
	store *session.Store // nil means run history is not persisted
	state State
}

func New(cfg *Config, store *session.Store) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		store: store,
		state: StateValidating,
	}
}

func (o *Orchestrator) State() State {
	return o.state
}

type BackupRequest struct {
	BackupDir     string
	SourceDevice  string
	MaxChunkBytes int64
	Compress      bool
	// Command overrides the partclone invocation built from the config.
	Command []string
	// AllowFile relaxes the /dev/ prefix requirement so plain files can act
	// as the source.
	AllowFile bool
}

type RestoreRequest struct {
	// BackupRef is the backup directory, its manifest, or any chunk file in it.
	BackupRef         string
	DestinationDevice string
	// LogPath overrides the default progress log location next to the chunks.
	LogPath   string
	Command   []string
	AllowFile bool
}

// Backup images the source device into size-bounded chunks under the backup
// directory, producing a finalized manifest on success.
func (o *Orchestrator) Backup(ctx context.Context, req BackupRequest) error {
	o.state = StateValidating
	if err := o.validateBackup(req); err != nil {
		o.state = StateFailed
		return err
	}

	lock, err := acquireLock(req.BackupDir)
	if err != nil {
		o.state = StateFailed
		return err
	}
	defer lock.release()

	prog, err := progress.New(fp.Join(req.BackupDir, BackupLogFilename))
	if err != nil {
		o.state = StateFailed
		return err
	}
	defer prog.Close()

	sess := model.NewSession(model.DirectionBackup, req.SourceDevice, req.BackupDir)
	sess.MaxChunkBytes = req.MaxChunkBytes
	o.putSession(ctx, sess)

	o.state = StateRunning
	log.Infow("backup starting", "source", req.SourceDevice, "dir", req.BackupDir,
		"max_chunk_bytes", req.MaxChunkBytes, "session", sess.ID)

	cursor, err := o.runBackup(ctx, req, prog)
	if err != nil {
		o.finish(ctx, sess.ID, prog, model.SessionFailed, cursor, failureDetail(err))
		return err
	}

	o.finish(ctx, sess.ID, prog, model.SessionSucceeded, cursor,
		fmt.Sprintf("backup of %s finished, %d bytes", req.SourceDevice, cursor))
	return nil
}

// Restore replays a chunked backup onto the destination device.
func (o *Orchestrator) Restore(ctx context.Context, req RestoreRequest) error {
	o.state = StateValidating
	if err := o.validateRestore(req); err != nil {
		o.state = StateFailed
		return err
	}

	logPath := req.LogPath
	if logPath == "" {
		logPath = fp.Join(backupDirOf(req.BackupRef), RestoreLogFilename)
	}
	prog, err := progress.New(logPath)
	if err != nil {
		o.state = StateFailed
		return err
	}
	defer prog.Close()

	sess := model.NewSession(model.DirectionRestore, req.BackupRef, req.DestinationDevice)
	o.putSession(ctx, sess)

	o.state = StateRunning
	log.Infow("restore starting", "backup", req.BackupRef, "destination", req.DestinationDevice,
		"session", sess.ID)

	cursor, err := o.runRestore(ctx, req, prog)
	if err != nil {
		o.finish(ctx, sess.ID, prog, model.SessionFailed, cursor, failureDetail(err))
		return err
	}

	o.finish(ctx, sess.ID, prog, model.SessionSucceeded, cursor,
		fmt.Sprintf("restore to %s finished, %d bytes", req.DestinationDevice, cursor))
	return nil
}

func (o *Orchestrator) runBackup(ctx context.Context, req BackupRequest, prog *progress.Logger) (int64, error) {
	codec := ""
	if req.Compress {
		codec = CodecPgzip
	}

	w, err := archive.NewWriter(req.BackupDir, req.MaxChunkBytes, codec)
	if err != nil {
		return 0, err
	}
	w.OnChunkClose = func(c model.Chunk) {
		prog.RecordChunkBoundary(c.Index, c.Length)
	}

	var sink io.Writer = w
	var compressor *pgzip.Writer
	if req.Compress {
		compressor = pgzip.NewWriter(w)
		sink = compressor
	}

	cursor := &cursorWriter{inner: sink, prog: prog, interval: o.cfg.Progress.IntervalBytes}

	b := &bridge.Bridge{Diag: prog.EngineWriter()}
	_, err = b.Produce(ctx, o.backupCommand(req), cursor)
	if err != nil {
		w.Abort()
		return cursor.count, err
	}

	if compressor != nil {
		if err := compressor.Close(); err != nil {
			w.Abort()
			return cursor.count, err
		}
	}

	if _, err := w.Close(); err != nil {
		return cursor.count, err
	}

	return cursor.count, nil
}

func (o *Orchestrator) runRestore(ctx context.Context, req RestoreRequest, prog *progress.Logger) (int64, error) {
	r, err := archive.NewReader(req.BackupRef)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var source io.Reader = r
	if r.Manifest().Codec == CodecPgzip {
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return 0, fmt.Errorf("open compressed stream: %w", err)
		}
		defer gz.Close()
		source = gz
	}

	cursor := &cursorReader{inner: source, prog: prog, interval: o.cfg.Progress.IntervalBytes}

	b := &bridge.Bridge{Diag: prog.EngineWriter()}
	_, err = b.Consume(ctx, o.restoreCommand(req), cursor)
	if err != nil {
		return cursor.count, err
	}

	return cursor.count, nil
}

func (o *Orchestrator) backupCommand(req BackupRequest) []string {
	if len(req.Command) > 0 {
		return req.Command
	}

	engine := o.engine()
	logPath := fp.Join(req.BackupDir, fmt.Sprintf("partclone-%s.log", flatName(req.SourceDevice)))
	return engine.CloneCommand(req.SourceDevice, logPath)
}

func (o *Orchestrator) restoreCommand(req RestoreRequest) []string {
	if len(req.Command) > 0 {
		return req.Command
	}

	return o.engine().RestoreCommand(req.DestinationDevice)
}

func (o *Orchestrator) engine() *imaging.Engine {
	engine := imaging.NewEngine(o.cfg.Engine.FSType)
	engine.Binary = o.cfg.Engine.Binary
	if o.cfg.Engine.BufferSize > 0 {
		engine.BufferSize = o.cfg.Engine.BufferSize
	}
	return engine
}

func (o *Orchestrator) validateBackup(req BackupRequest) error {
	if req.MaxChunkBytes <= 0 {
		return fmt.Errorf("%w: max chunk size must be a positive byte count, got %d",
			ErrValidation, req.MaxChunkBytes)
	}

	if err := checkDevice(req.SourceDevice, req.AllowFile); err != nil {
		return err
	}
	f, err := os.Open(req.SourceDevice)
	if err != nil {
		return fmt.Errorf("%w: source %s is not readable: %v", ErrValidation, req.SourceDevice, err)
	}
	f.Close()

	// A fresh directory per run keeps chunk numbering unambiguous.
	if _, err := os.Stat(req.BackupDir); err == nil {
		return fmt.Errorf("%w: backup directory %s already exists", ErrValidation, req.BackupDir)
	}
	if err := os.MkdirAll(req.BackupDir, 0750); err != nil {
		return fmt.Errorf("%w: create backup directory: %v", ErrValidation, err)
	}

	return nil
}

func (o *Orchestrator) validateRestore(req RestoreRequest) error {
	if err := checkDevice(req.DestinationDevice, req.AllowFile); err != nil {
		return err
	}
	f, err := os.OpenFile(req.DestinationDevice, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: destination %s is not writable: %v",
			ErrValidation, req.DestinationDevice, err)
	}
	f.Close()

	if _, err := os.Stat(req.BackupRef); err != nil {
		return fmt.Errorf("%w: backup reference %s: %v", ErrValidation, req.BackupRef, err)
	}

	return nil
}

func (o *Orchestrator) finish(ctx context.Context, id uuid.UUID, prog *progress.Logger,
	status model.SessionStatus, cursor int64, detail string) {
	if status == model.SessionSucceeded {
		o.state = StateSucceeded
		log.Infow("run succeeded", "session", id, "bytes", cursor)
	} else {
		o.state = StateFailed
		log.Errorw("run failed", "session", id, "detail", detail)
	}

	prog.RecordCursor(cursor)
	prog.RecordTerminal(status, detail)
	o.setStatus(ctx, id, status, detail, cursor)
}

func (o *Orchestrator) putSession(ctx context.Context, sess model.Session) {
	if o.store == nil {
		return
	}
	if err := o.store.Put(ctx, sess); err != nil {
		log.Warnw("failed to persist session", "session", sess.ID, "error", err)
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, id uuid.UUID,
	status model.SessionStatus, detail string, cursor int64) {
	if o.store == nil {
		return
	}

	if err := o.store.SetStatus(ctx, id, status, detail, cursor); err != nil {
		log.Warnw("failed to update session status", "session", id, "error", err)
	}
}

// failureDetail prefixes the error with its taxonomy kind so operators can
// tell from the terminal record which component gave out.
func failureDetail(err error) string {
	return fmt.Sprintf("%s: %v", errorKind(err), err)
}

func errorKind(err error) string {
	var childErr *bridge.ChildProcessError
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, archive.ErrSpaceExceeded):
		return "space_exceeded"
	case errors.Is(err, archive.ErrManifestCorrupt), errors.Is(err, archive.ErrManifestNotFinalized):
		return "manifest_corrupt"
	case errors.Is(err, bridge.ErrBrokenPipe):
		return "broken_pipe"
	case errors.As(err, &childErr):
		return "child_process"
	default:
		return "io"
	}
}

func checkDevice(device string, allowFile bool) error {
	if device == "" {
		return fmt.Errorf("%w: no device given", ErrValidation)
	}
	if allowFile {
		return nil
	}
	if _, err := imaging.DeviceName(device); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, device, err)
	}
	return nil
}

func flatName(device string) string {
	if name, err := imaging.DeviceName(device); err == nil {
		return name
	}
	return fp.Base(device)
}

func backupDirOf(ref string) string {
	if fi, err := os.Stat(ref); err == nil && fi.IsDir() {
		return ref
	}
	return fp.Dir(ref)
}
