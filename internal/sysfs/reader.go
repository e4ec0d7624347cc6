package sysfs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrNotFound marks a pseudo-file that is absent or not readable.
var ErrNotFound = errors.New("sysfs file not found")

// ParseError reports malformed content in an otherwise readable pseudo-file.
// Params: Path file path; Line 1-based line number (0 for whole-file values); Err cause.
// Returns: error value usable with errors.As.
type ParseError struct {
	Path string
	Line int
	Err  error
}

// Error renders parse failure with file position.
// Params: none.
// Returns: error text.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s line %d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

// Unwrap returns underlying parse cause.
// Params: none.
// Returns: wrapped error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// LabelValue is one "<label> <value>" line of a pseudo-file.
type LabelValue struct {
	Label string
	Value int64
}

// Reader reads small kernel pseudo-files in one open/read/close cycle.
// Params: none.
// Returns: reader instance.
type Reader struct {
	readFile func(string) ([]byte, error)
	access   func(string) error
}

// NewReader creates a reader backed by the real filesystem.
// Params: none.
// Returns: configured reader.
func NewReader() *Reader {
	return &Reader{
		readFile: os.ReadFile,
		access: func(path string) error {
			return unix.Access(path, unix.R_OK)
		},
	}
}

// NewReaderWithFunc creates a reader over an injected file loader.
// Params: readFile returns file body by path; readability check is derived from it.
// Returns: configured reader.
func NewReaderWithFunc(readFile func(string) ([]byte, error)) *Reader {
	return &Reader{
		readFile: readFile,
		access: func(path string) error {
			_, err := readFile(path)
			return err
		},
	}
}

// Readable checks that a pseudo-file exists and is readable by this process.
// Params: path absolute file path.
// Returns: true when the file can be opened for reading.
func (r *Reader) Readable(path string) bool {
	return r.access(path) == nil
}

// ReadInt reads a file holding exactly one integer.
// Params: path absolute file path.
// Returns: parsed value, ErrNotFound-wrapped error, or *ParseError.
func (r *Reader) ReadInt(path string) (int64, error) {
	payload, err := r.read(path)
	if err != nil {
		return 0, err
	}

	fields := strings.Fields(string(payload))
	if len(fields) != 1 {
		return 0, &ParseError{Path: path, Err: fmt.Errorf("expected one value, got %d fields", len(fields))}
	}

	value, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, &ParseError{Path: path, Err: err}
	}
	return value, nil
}

// ReadLabelValues reads whitespace-separated "<label> <value>" lines in file order.
// Params: path absolute file path.
// Returns: ordered pairs, ErrNotFound-wrapped error, or *ParseError (no partial result).
func (r *Reader) ReadLabelValues(path string) ([]LabelValue, error) {
	payload, err := r.read(path)
	if err != nil {
		return nil, err
	}

	pairs := make([]LabelValue, 0, 16)
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, &ParseError{Path: path, Line: line, Err: fmt.Errorf("expected 2 fields, got %d", len(fields))}
		}

		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, &ParseError{Path: path, Line: line, Err: err}
		}
		pairs = append(pairs, LabelValue{Label: fields[0], Value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}

	return pairs, nil
}

// read loads one file and maps absence/permission failures to ErrNotFound.
// Params: path absolute file path.
// Returns: file body or read error.
func (r *Reader) read(path string) ([]byte, error) {
	payload, err := r.readFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return payload, nil
}
