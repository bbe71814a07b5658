package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	file     *os.File
	minLevel Level
	width    int
	filter   map[string]bool
}

var std = New(os.Stdout)

var bufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func New(w io.Writer) *Logger {
	return &Logger{out: w, minLevel: LevelInfo}
}

// RegisterCategories pads the category column to the longest known name.
func RegisterCategories(categories ...string) { std.RegisterCategories(categories...) }

func (l *Logger) RegisterCategories(categories ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range categories {
		if len(c)+1 > l.width {
			l.width = len(c) + 1
		}
	}
}

// SetOutput redirects the default logger. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	std.mu.Lock()
	std.out = w
	std.mu.Unlock()
}

// SetLogFile tees output to stdout and the file at path.
func SetLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		std.file.Close()
	}
	std.file = f
	std.out = io.MultiWriter(os.Stdout, f)
	return nil
}

func Close() {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file == nil {
		return
	}
	std.file.Sync()
	std.file.Close()
	std.file = nil
	std.out = os.Stdout
}

func SetMinLevel(level Level) { std.SetMinLevel(level) }

func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetCategoryFilter restricts info and debug output to the listed
// categories. An empty list allows everything.
func SetCategoryFilter(categories []string) { std.SetCategoryFilter(categories) }

func (l *Logger) SetCategoryFilter(categories []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(categories) == 0 {
		l.filter = nil
		return
	}
	l.filter = make(map[string]bool, len(categories))
	for _, c := range categories {
		l.filter[c] = true
	}
}

func IsCategoryEnabled(category string) bool { return std.IsCategoryEnabled(category) }

func (l *Logger) IsCategoryEnabled(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filter == nil || l.filter[category]
}

func Printf(category, format string, v ...any) { std.Printf(category, format, v...) }
func Println(category string, v ...any)        { std.Println(category, v...) }
func Warning(format string, v ...any)          { std.Printf("warning", format, v...) }
func Error(format string, v ...any)            { std.Printf("error", format, v...) }
func Fatal(format string, v ...any)            { std.Fatal(format, v...) }

func (l *Logger) Warning(format string, v ...any) { l.Printf("warning", format, v...) }
func (l *Logger) Error(format string, v ...any)   { l.Printf("error", format, v...) }

func (l *Logger) Fatal(format string, v ...any) {
	l.Printf("error", format, v...)
	os.Exit(1)
}

func (l *Logger) Printf(category, format string, v ...any) {
	l.emit(category, func(buf *bytes.Buffer) { fmt.Fprintf(buf, format, v...) })
}

func (l *Logger) Println(category string, v ...any) {
	l.emit(category, func(buf *bytes.Buffer) { fmt.Fprintln(buf, v...) })
}

func (l *Logger) emit(category string, body func(*bytes.Buffer)) {
	l.mu.Lock()
	explicit := l.filter != nil && l.filter[category]
	level := levelOf(category)
	allowed := explicit || (level >= l.minLevel && (l.filter == nil || level >= LevelWarning))
	width := l.width
	l.mu.Unlock()
	if !allowed {
		return
	}
	if !validCategory(category) {
		category = "invalid_category"
	}

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		if buf.Cap() <= 64*1024 {
			bufPool.Put(buf)
		}
	}()

	buf.WriteString(time.Now().Format(timeLayout))
	buf.WriteByte(' ')
	buf.WriteString(category)
	for i := len(category); i < width; i++ {
		buf.WriteByte(' ')
	}
	buf.WriteByte(' ')
	body(buf)
	if b := buf.Bytes(); len(b) == 0 || b[len(b)-1] != '\n' {
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	l.out.Write(buf.Bytes())
	l.mu.Unlock()
}
