package hycast

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/KarpelesLab/ringbuf"
)

var logbuf *ringbuf.Writer

func init() {
	var err error

	logbuf, err = ringbuf.New(1024 * 1024)
	if err == nil {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, logbuf), nil)))
	} else {
		slog.Error(fmt.Sprintf("[hycast] failed to setup logbuf: %s", err))
	}
}

// LogTarget returns a writer that appends to the in-memory log ring.
func LogTarget() io.Writer {
	return logbuf
}

// LogDmesg dumps the buffered log history to w, for diagnostics.
func LogDmesg(w io.Writer) (int64, error) {
	r := logbuf.Reader()
	defer r.Close()
	return io.Copy(w, r)
}
