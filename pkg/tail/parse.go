package tail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"viewrelay/pkg/view"
)

var ErrMalformedLine = errors.New("tail: malformed line")

const maxLineSize = 1 << 20

// Parse decodes one line of TAIL output: the row's column values separated by
// tabs, followed by a last field "<diff> at <timestamp>". A negative diff is a
// delete, a positive one an insert.
func Parse(line string) (view.RowUpdate, error) {
	line = strings.TrimRight(line, "\r\n")

	sep := strings.LastIndexByte(line, '\t')
	var columns []string
	meta := line
	if sep >= 0 {
		columns = strings.Split(line[:sep], "\t")
		meta = line[sep+1:]
	} else {
		columns = []string{}
	}

	diffText, tsText, ok := strings.Cut(meta, " at ")
	if !ok {
		return view.RowUpdate{}, fmt.Errorf("%w: no timestamp in %q", ErrMalformedLine, meta)
	}
	diff, err := strconv.ParseInt(strings.TrimSpace(diffText), 10, 64)
	if err != nil || diff == 0 {
		return view.RowUpdate{}, fmt.Errorf("%w: bad diff %q", ErrMalformedLine, diffText)
	}
	ts, err := view.ParseTimestamp(tsText)
	if err != nil {
		return view.RowUpdate{}, fmt.Errorf("%w: %w", ErrMalformedLine, err)
	}

	op := view.Insert
	if diff < 0 {
		op = view.Delete
	}
	return view.RowUpdate{Columns: columns, Operation: op, Timestamp: ts}, nil
}

// Scan parses r line by line and hands every update to emit. Malformed lines
// are logged and skipped.
func Scan(ctx context.Context, r io.Reader, emit func(view.RowUpdate) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		u, err := Parse(line)
		if err != nil {
			slog.Warn("skipping tail line", "line", lineNo, "error", err)
			continue
		}
		if err := emit(u); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read tail: %w", err)
	}
	return nil
}
