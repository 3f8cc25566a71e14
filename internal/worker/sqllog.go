package worker

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cubrid/gobroker/internal/config"
)

// sqlLog writes one line per RPC to <log_dir>/<broker>_<worker_id>.sql.log
// when sql_log_mode is not off (SPEC_FULL §C.1: the config surface names
// only sql_log_mode/sql_log_max_size, recovered CUBRID broker convention
// fills in the file layout). Once the file exceeds sql_log_max_size it is
// rotated to a single ".bak", overwriting any previous one; CUBRID brokers
// keep exactly one backup generation rather than a numbered series.
type sqlLog struct {
	mu      sync.Mutex
	path    string
	bakPath string
	mode    config.SQLLogMode
	maxSize int64
	file    *os.File
	size    int64
}

func newSQLLog(cfg *config.BrokerConfig, workerIndex int) (*sqlLog, error) {
	l := &sqlLog{
		path:    cfg.SQLLogPath(workerIndex),
		bakPath: cfg.SQLLogPath(workerIndex) + ".bak",
		mode:    cfg.SQLLogMode,
		maxSize: cfg.SQLLogMaxSize,
	}
	if !l.mode.Has(config.SQLLogOn) {
		return l, nil
	}
	if err := l.openForAppend(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *sqlLog) openForAppend() error {
	flags := os.O_CREATE | os.O_WRONLY
	if l.mode.Has(config.SQLLogAppend) {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(l.path, flags, 0o640)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// Record appends one formatted line describing a completed RPC. No-op
// when logging is off. bindValues is only included when sql_log_mode
// carries the bind-values flag (spec's opt-in to avoid leaking literal
// parameter values by default).
func (l *sqlLog) Record(opcode uint8, elapsed time.Duration, rowCount int, errMsg string, bindValues string) {
	if l == nil || !l.mode.Has(config.SQLLogOn) || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s opcode=%d elapsed=%s rows=%d", time.Now().Format(time.RFC3339Nano), opcode, elapsed, rowCount)
	if l.mode.Has(config.SQLLogBindValues) && bindValues != "" {
		line += " bind=" + bindValues
	}
	if errMsg != "" {
		line += " error=" + errMsg
	}
	line += "\n"

	n, err := l.file.WriteString(line)
	if err != nil {
		return
	}
	l.size += int64(n)
	if l.maxSize > 0 && l.size >= l.maxSize {
		l.rotateLocked()
	}
}

// rotateLocked replaces the single .bak generation with the current file
// and starts a fresh one. Caller must hold l.mu.
func (l *sqlLog) rotateLocked() {
	l.file.Close()
	os.Remove(l.bakPath)
	os.Rename(l.path, l.bakPath)
	if err := l.openForAppend(); err != nil {
		l.file = nil
	}
}

// Reset truncates the active log to empty, used by the admin channel's
// reset_log command (spec §4.8).
func (l *sqlLog) Reset() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	l.size = 0
	return nil
}

func (l *sqlLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
