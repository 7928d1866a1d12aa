package logstreamer

import (
	"bytes"
	"io"
	"log"
	"os"
	"strings"
)

// Logstreamer buffers subprocess output and emits it line by line through
// a *log.Logger, so interleaved task output never splits mid-line.
type Logstreamer struct {
	Logger *log.Logger
	buf    *bytes.Buffer
	// "stdout" and "stderr" prefixes are colorized when the terminal
	// supports it; any other prefix is prepended verbatim.
	prefix string
	// when true, everything written is also kept in memory until
	// FlushRecord is called
	record  bool
	persist strings.Builder

	colorOkay  string
	colorFail  string
	colorReset string
}

// NewLogstreamer returns a streamer emitting through logger. When record is
// set, output is additionally retained for FlushRecord.
func NewLogstreamer(logger *log.Logger, prefix string, record bool) *Logstreamer {
	l := &Logstreamer{
		Logger: logger,
		buf:    &bytes.Buffer{},
		prefix: prefix,
		record: record,
	}

	if strings.HasPrefix(os.Getenv("TERM"), "xterm") {
		l.colorOkay = "\x1b[32m"
		l.colorFail = "\x1b[31m"
		l.colorReset = "\x1b[0m"
	}

	return l
}

func (l *Logstreamer) Write(p []byte) (n int, err error) {
	if n, err = l.buf.Write(p); err != nil {
		return n, err
	}
	return n, l.outputLines()
}

// Close flushes any trailing partial line and resets the buffer
func (l *Logstreamer) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	l.buf.Reset()
	return nil
}

// Flush emits whatever is buffered, even without a trailing newline
func (l *Logstreamer) Flush() error {
	l.out(l.buf.String())
	l.buf.Reset()
	return nil
}

func (l *Logstreamer) outputLines() error {
	for {
		line, err := l.buf.ReadString('\n')

		if len(line) > 0 {
			if strings.HasSuffix(line, "\n") {
				l.out(line)
			} else {
				// partial line: put it back and wait for the rest,
				// Close or Flush pick up the remainder
				if _, err := l.buf.WriteString(line); err != nil {
					return err
				}
			}
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// FlushRecord returns everything recorded so far and resets the record
func (l *Logstreamer) FlushRecord() string {
	out := l.persist.String()
	l.persist.Reset()
	return out
}

func (l *Logstreamer) out(str string) {
	if len(str) < 1 {
		return
	}

	if l.record {
		l.persist.WriteString(str)
	}

	switch l.prefix {
	case "stdout":
		str = l.colorOkay + l.prefix + l.colorReset + " " + str
	case "stderr":
		str = l.colorFail + l.prefix + l.colorReset + " " + str
	default:
		str = l.prefix + str
	}

	l.Logger.Print(str)
}
